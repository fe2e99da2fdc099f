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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache"
	"github.com/llm-d/llm-d-kv-block-pool/pkg/kvcache/metrics"
)

type tokensRequest struct {
	Tokens []uint32 `json:"tokens"`
}

type probeResponse struct {
	CachedBlocks int `json:"cachedBlocks"`
	// CachedTokens is the number of leading tokens covered by cached blocks.
	CachedTokens int `json:"cachedTokens"`
}

// newHandler serves the manager over HTTP:
//   - GET  /stats   pool counters
//   - POST /probe   {"tokens": [...]} → cached prefix length
//   - POST /reset   {"tokens": [...]} clears the blocks of the sequence, or
//     every cached block when no tokens are given
//   - GET  /metrics prometheus metrics
func newHandler(ctx context.Context, manager *kvcache.Manager) http.Handler {
	logger := klog.FromContext(ctx).WithName("http")

	writeJSON := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logger.Error(err, "Failed to encode response")
		}
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, manager.Stats())
	})

	mux.HandleFunc("POST /probe", func(w http.ResponseWriter, r *http.Request) {
		var req tokensRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid JSON body", http.StatusBadRequest)
			return
		}
		if len(req.Tokens) == 0 {
			http.Error(w, "field 'tokens' required", http.StatusBadRequest)
			return
		}

		cached, err := manager.Probe(r.Context(), req.Tokens)
		if err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		writeJSON(w, probeResponse{CachedBlocks: cached, CachedTokens: cached * manager.BlockSize()})
	})

	mux.HandleFunc("POST /reset", func(w http.ResponseWriter, r *http.Request) {
		var req tokensRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid JSON body", http.StatusBadRequest)
				return
			}
		}

		var err error
		if len(req.Tokens) == 0 {
			err = manager.BlockPool().ResetAll(r.Context())
		} else {
			err = manager.BlockPool().Reset(r.Context(), manager.SequenceHashes(req.Tokens))
		}
		if err != nil {
			http.Error(w, fmt.Sprintf("error: %v", err), http.StatusInternalServerError)
			return
		}

		logger.Info("Reset blocks", "tokens", len(req.Tokens))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	return mux
}
