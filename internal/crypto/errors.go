package crypto

import "errors"

// Sentinel errors matching the taxonomy in spec §4.12.
var (
	ErrEncryptionRequired = errors.New("ENCRYPTION_REQUIRED: tenant requires encryption but has no active key")
	ErrKMSUnavailable     = errors.New("KMS_UNAVAILABLE: provider call failed")
	ErrKeyRotationInProg  = errors.New("KEY_ROTATION_IN_PROGRESS: a rotation job is already queued or running for this tenant")
	ErrKeyRotationFailed  = errors.New("KEY_ROTATION_FAILED: rotation job did not complete")
	ErrKeyNotActive       = errors.New("KEY_NOT_ACTIVE: tenant's key version is not active")
	ErrDecryptionFailed   = errors.New("DECRYPTION_FAILED: sealed record could not be authenticated")
	ErrCryptoPolicyDenied = errors.New("CRYPTO_POLICY_DENIED: operation not permitted by tenant crypto policy")
)
