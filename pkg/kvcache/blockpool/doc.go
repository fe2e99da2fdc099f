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

// Package blockpool manages the reuse of fixed-size KV-cache blocks.
//
// Blocks are content-addressed by a chained sequence hash (see package
// kvblock). A block that is available is either indexed by its hash, and
// ordered for eviction by (priority, return tick), or, if it has no identity,
// queued in a FIFO of uninitialized blocks. A block that has been claimed is
// held by exactly one Item and is absent from every index until the Item is
// released.
//
// All pool state is owned by a single goroutine started by Pool.Start.
// Callers never touch it directly: every operation is a request sent over one
// of four queues, answered through a one-shot reply channel. When several
// requests are ready the goroutine serves, in order: match/take requests,
// returned blocks, control requests (insert, update, reset), and fences.
//
// TotalBlocks and AvailableBlocks are atomic counters that can be read at any
// time without going through the queues.
package blockpool
