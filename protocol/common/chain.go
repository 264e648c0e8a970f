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

package common

// Intersect returns the candidate point with the greatest slot number that
// appears on the given chain. The origin is considered part of every chain.
// The second return value is false when no candidate matches
func Intersect(chain []Point, candidates []Point) (Point, bool) {
	var best Point
	found := false
	for _, candidate := range candidates {
		if candidate.Origin() {
			// Matches any chain, but never beats a real point
			found = true
			continue
		}
		for _, point := range chain {
			if !candidate.Equal(point) {
				continue
			}
			if !found || candidate.Slot > best.Slot || best.Origin() {
				best = candidate
			}
			found = true
			break
		}
	}
	return best, found
}
