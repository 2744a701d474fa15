// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package methylpileup

import (
	"testing"

	"github.com/grailbio/bio-modbam/modbam/project"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketCalls_DiscardsOffAlignment(t *testing.T) {
	calls := []project.Call{
		{RefContig: 0, RefPos: 5, RefStrand: '+', WithinAlignment: true, ReadID: "r1"},
		{RefContig: 0, RefPos: -1, RefStrand: '+', WithinAlignment: false, ReadID: "r2"},
	}
	buckets := bucketCalls(calls)
	require.Len(t, buckets, 1)
	col := columnKey{RefContig: 0, RefPos: 5, Strand: '+'}
	require.Contains(t, buckets, col)
	assert.Len(t, buckets[col], 1)
}

func TestTruncate_KeepsHighestQualBreaksTiesByReadID(t *testing.T) {
	calls := []project.Call{
		{ReadID: "c", BaseQual: 20},
		{ReadID: "a", BaseQual: 30},
		{ReadID: "b", BaseQual: 30},
	}
	out := truncate(calls, 2)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].ReadID)
	assert.Equal(t, "b", out[1].ReadID)
}

func TestTruncate_NoOpBelowMaxDepth(t *testing.T) {
	calls := []project.Call{{ReadID: "a"}, {ReadID: "b"}}
	out := truncate(calls, 5)
	assert.Equal(t, calls, out)
}
