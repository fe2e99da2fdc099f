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

// Package kvevents publishes the cached-content changes of a block pool as a
// stream of KV-cache events. Batches are encoded in vLLM's msgpack event
// format and sent over a ZMQ PUB socket on the topic
// "kv@<pod-identifier>@<model-name>", so that KV-cache aware routers can track
// which prefixes this process holds.
package kvevents
