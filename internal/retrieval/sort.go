package retrieval

import "sort"

// sortAndTruncate enforces the uniform ordering every Adapter must return:
// score desc, then ChunkID asc, length <= topK. local_pgvector gets this
// ordering for free from its SQL ORDER BY; the AWS and GCP providers call
// this explicitly since their APIs don't guarantee chunk_id tie-breaking.
func sortAndTruncate(chunks []Chunk, topK int) []Chunk {
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Score != chunks[j].Score {
			return chunks[i].Score > chunks[j].Score
		}
		return chunks[i].ChunkID.String() < chunks[j].ChunkID.String()
	})
	if topK > 0 && len(chunks) > topK {
		chunks = chunks[:topK]
	}
	return chunks
}
