package crypto

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/google/uuid"
)

// awsKMSClient is the subset of *kms.Client the provider needs, narrowed so
// tests can substitute a fake instead of a live AWS connection.
type awsKMSClient interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	CreateKey(ctx context.Context, params *kms.CreateKeyInput, optFns ...func(*kms.Options)) (*kms.CreateKeyOutput, error)
}

// AWSKMSProvider wraps AWS KMS's native GenerateDataKey/Decrypt operations.
type AWSKMSProvider struct {
	client awsKMSClient
}

func NewAWSKMSProvider(client *kms.Client) *AWSKMSProvider {
	return &AWSKMSProvider{client: client}
}

func (p *AWSKMSProvider) Name() string { return "aws_kms" }

func (p *AWSKMSProvider) GenerateDataKey(ctx context.Context, providerKeyID string) (plaintextDEK, wrappedDEK []byte, err error) {
	out, err := p.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(providerKeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("aws kms generate data key: %w", err)
	}
	return out.Plaintext, out.CiphertextBlob, nil
}

func (p *AWSKMSProvider) Decrypt(ctx context.Context, providerKeyID string, wrappedDEK []byte) ([]byte, error) {
	out, err := p.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(providerKeyID),
		CiphertextBlob: wrappedDEK,
	})
	if err != nil {
		return nil, fmt.Errorf("aws kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// RotateMasterKey mints a brand-new CMK rather than rotating the existing
// one in place: AWS KMS's own automatic key rotation re-keys a CMK without
// changing its id, which would not let the registry track distinct key
// versions per spec §4.12. The prior CMK is left enabled — records sealed
// under it must stay decryptable until they are migrated forward.
func (p *AWSKMSProvider) RotateMasterKey(ctx context.Context, tenantID uuid.UUID) (string, error) {
	out, err := p.client.CreateKey(ctx, &kms.CreateKeyInput{
		Description: aws.String(fmt.Sprintf("nexusrag tenant %s data key", tenantID)),
		KeyUsage:    types.KeyUsageTypeEncryptDecrypt,
		KeySpec:     types.KeySpecSymmetricDefault,
		Tags: []types.Tag{
			{TagKey: aws.String("nexusrag:tenant_id"), TagValue: aws.String(tenantID.String())},
		},
	})
	if err != nil {
		return "", fmt.Errorf("aws kms create key: %w", err)
	}
	return aws.ToString(out.KeyMetadata.KeyId), nil
}
