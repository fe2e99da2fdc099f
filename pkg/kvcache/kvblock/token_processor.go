/*
Copyright 2025 The llm-d Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kvblock

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/utils"
)

const (
	// defaultBlockSize is the default number of tokens per block.
	// 16 is the default value used by vLLM.
	defaultBlockSize = 16
	// defaultHashCacheSize is the number of (parent, chunk) hashes memoized.
	defaultHashCacheSize = 1 << 16
)

// HashAlgorithm selects how chunk hashes are chained.
type HashAlgorithm string

const (
	// SHA256CBOR hashes the canonical CBOR encoding of [parent, tokens, extra]
	// and keeps the lower 64 bits of the SHA-256 digest. Aligned with vLLM.
	SHA256CBOR HashAlgorithm = "sha256_cbor"
	// XXHash64 chains xxhash64 over the big-endian parent and token bytes.
	// Cheaper, but not interoperable with vLLM-produced hashes.
	XXHash64 HashAlgorithm = "xxhash64"
)

// TokenProcessorConfig holds the configuration for the token processor.
type TokenProcessorConfig struct {
	BlockSize int `json:"blockSize"`
	// HashSeed is used to prefix initial hash chunks, similarly to vLLM's NONE_HASH.
	// This should be aligned with vLLM's `PYTHONHASHSEED` environment variable.
	HashSeed string `json:"hashSeed"`
	// HashAlgorithm defaults to SHA256CBOR when empty.
	HashAlgorithm HashAlgorithm `json:"hashAlgorithm,omitempty"`
	// HashCacheSize bounds the memoized chunk hashes. Zero disables the cache.
	HashCacheSize int `json:"hashCacheSize"`
}

// DefaultTokenProcessorConfig returns the default configuration for the token processor.
func DefaultTokenProcessorConfig() *TokenProcessorConfig {
	return &TokenProcessorConfig{
		BlockSize:     defaultBlockSize,
		HashSeed:      "",
		HashAlgorithm: SHA256CBOR,
		HashCacheSize: defaultHashCacheSize,
	}
}

// TokenProcessor splits token sequences into fixed-size blocks and computes
// their chained sequence hashes.
type TokenProcessor interface {
	// BlockSize returns the number of tokens per block.
	BlockSize() int
	// TokensToBlocks splits tokens into full blocks and returns the
	// remaining tokens that do not fill a block.
	TokensToBlocks(tokens []uint32) (blocks []TokenBlock, tail []uint32)
	// TokensToSequenceHashes returns the sequence hashes of the full blocks.
	TokensToSequenceHashes(tokens []uint32) []SequenceHash
}

// ChunkedTokenDatabase is the default TokenProcessor.
type ChunkedTokenDatabase struct {
	config   TokenProcessorConfig
	encMode  cbor.EncMode
	rootHash uint64
	// hashCache memoizes (parent, chunk) -> hash. nil when disabled.
	hashCache *lru.Cache[string, uint64]
}

var _ TokenProcessor = &ChunkedTokenDatabase{}

// NewChunkedTokenDatabase creates a new instance with the given config.
func NewChunkedTokenDatabase(config *TokenProcessorConfig) (*ChunkedTokenDatabase, error) {
	if config == nil {
		config = DefaultTokenProcessorConfig()
	}

	if config.BlockSize <= 0 {
		return nil, fmt.Errorf("invalid block size %d: must be positive", config.BlockSize)
	}

	db := &ChunkedTokenDatabase{config: *config}
	if db.config.HashAlgorithm == "" {
		db.config.HashAlgorithm = SHA256CBOR
	}

	encMode, err := cbor.CanonicalEncOptions().EncMode() // deterministic
	if err != nil {
		return nil, fmt.Errorf("failed to create CBOR encoder: %w", err)
	}
	db.encMode = encMode

	switch db.config.HashAlgorithm {
	case SHA256CBOR:
		b, err := encMode.Marshal(db.config.HashSeed)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal hash seed to CBOR: %w", err)
		}
		sum := sha256.Sum256(b)
		db.rootHash = binary.BigEndian.Uint64(sum[24:])
	case XXHash64:
		db.rootHash = xxhash.Sum64String(db.config.HashSeed)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", db.config.HashAlgorithm)
	}

	if db.config.HashCacheSize > 0 {
		db.hashCache, err = lru.New[string, uint64](db.config.HashCacheSize)
		if err != nil {
			return nil, fmt.Errorf("failed to create hash cache: %w", err)
		}
	}

	return db, nil
}

// BlockSize returns the number of tokens per block.
func (db *ChunkedTokenDatabase) BlockSize() int {
	return db.config.BlockSize
}

// RootHash returns the parent hash of the first block of every sequence.
func (db *ChunkedTokenDatabase) RootHash() SequenceHash {
	return SequenceHash(db.rootHash)
}

// hash computes the chained hash of a chunk given its parent hash.
// The result is never SentinelHash.
func (db *ChunkedTokenDatabase) hash(parent uint64, tokens []uint32) (uint64, error) {
	var cacheKey string
	if db.hashCache != nil {
		cacheKey = chunkCacheKey(parent, tokens)
		if h, ok := db.hashCache.Get(cacheKey); ok {
			return h, nil
		}
	}

	var h uint64
	switch db.config.HashAlgorithm {
	case XXHash64:
		digest := xxhash.New()
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], parent)
		_, _ = digest.Write(buf[:])
		for _, tok := range tokens {
			binary.BigEndian.PutUint32(buf[:4], tok)
			_, _ = digest.Write(buf[:4])
		}
		h = digest.Sum64()
	default:
		payload := []interface{}{parent, tokens, nil}
		b, err := db.encMode.Marshal(payload)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal payload to CBOR: %w", err)
		}
		sum := sha256.Sum256(b)
		h = binary.BigEndian.Uint64(sum[24:])
	}

	// 0 is reserved for blocks without identity
	if h == uint64(SentinelHash) {
		h = sentinelReplacement
	}

	if db.hashCache != nil {
		db.hashCache.Add(cacheKey, h)
	}
	return h, nil
}

// chunkTokens splits the input slice of tokens into chunks of BlockSize and
// returns the leftover tokens.
func (db *ChunkedTokenDatabase) chunkTokens(tokens []uint32) ([][]uint32, []uint32) {
	var chunks [][]uint32
	i := 0
	for ; i+db.config.BlockSize <= len(tokens); i += db.config.BlockSize {
		chunks = append(chunks, tokens[i:i+db.config.BlockSize])
	}

	return chunks, tokens[i:]
}

// TokensToBlocks splits tokens into full blocks carrying chained sequence
// hashes. Token slices in the returned blocks are copies.
func (db *ChunkedTokenDatabase) TokensToBlocks(tokens []uint32) ([]TokenBlock, []uint32) {
	chunks, tail := db.chunkTokens(tokens)

	blocks := make([]TokenBlock, 0, len(chunks))
	parent := db.rootHash
	for _, chunk := range chunks {
		h, err := db.hash(parent, chunk)
		if err != nil {
			// the chain cannot continue past a block without identity
			break
		}

		blocks = append(blocks, TokenBlock{
			Tokens:       append([]uint32(nil), chunk...),
			ParentHash:   SequenceHash(parent),
			SequenceHash: SequenceHash(h),
		})
		parent = h
	}

	return blocks, append([]uint32(nil), tail...)
}

// TokensToSequenceHashes returns the sequence hashes of the full blocks.
func (db *ChunkedTokenDatabase) TokensToSequenceHashes(tokens []uint32) []SequenceHash {
	blocks, _ := db.TokensToBlocks(tokens)
	return utils.SliceMap(blocks, func(b TokenBlock) SequenceHash {
		return b.SequenceHash
	})
}

func chunkCacheKey(parent uint64, tokens []uint32) string {
	buf := make([]byte, 8, 8+4*len(tokens))
	binary.BigEndian.PutUint64(buf, parent)
	for _, tok := range tokens {
		buf = binary.BigEndian.AppendUint32(buf, tok)
	}
	return string(buf)
}
