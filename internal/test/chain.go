// Copyright 2025 OpenCardano Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package test

import (
	"fmt"

	"github.com/opencardano/ourosync/protocol/common"

	"golang.org/x/crypto/blake2b"
)

// ChainPoint returns a deterministic chain point for the given slot. The hash
// is the blake2b-256 digest of a synthetic header, so equal slots always
// produce equal points
func ChainPoint(slot uint64) common.Point {
	hash := blake2b.Sum256(ChainHeader(slot))
	return common.NewPoint(slot, hash[:])
}

// ChainHeader returns the synthetic header bytes that ChainPoint hashes
func ChainHeader(slot uint64) []byte {
	return fmt.Appendf(nil, "header-%d", slot)
}

// Chain returns deterministic chain points for the given slots
func Chain(slots ...uint64) []common.Point {
	ret := make([]common.Point, 0, len(slots))
	for _, slot := range slots {
		ret = append(ret, ChainPoint(slot))
	}
	return ret
}
