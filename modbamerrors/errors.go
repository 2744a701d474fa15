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

// Package modbamerrors collects the error kinds shared across the core
// (spec.md §7), as package-level sentinel values so callers can test for
// them with errors.Is, following the pattern github.com/biogo/hts/fai uses
// for ErrNonUnique.
package modbamerrors

import "github.com/pkg/errors"

var (
	// MalformedTag: the MM tag's grammar is invalid, or ML's length
	// disagrees with the positions the MM tag declares.
	MalformedTag = errors.New("modbam: malformed modification tag")
	// UnknownCode: a modification code has no primary-base assignment.
	UnknownCode = errors.New("modbam: unknown modification code")
	// ImplicitModeForbidden: a group used implicit ('.') mode while the
	// caller requires explicit mode.
	ImplicitModeForbidden = errors.New("modbam: implicit mode forbidden")
	// SeqLengthMismatch: a non-primary alignment's MN tag disagrees with
	// the decoded sequence length.
	SeqLengthMismatch = errors.New("modbam: MN tag does not match sequence length")
	// IndexMissing: a required BAM/tabix/FASTA index could not be found.
	IndexMissing = errors.New("modbam: index missing")
	// RegionNotFound: a requested DMR region has no data in one or more
	// input bedMethyl files.
	RegionNotFound = errors.New("modbam: region not found")
	// InsufficientSample: the Threshold Estimator's sample was empty.
	InsufficientSample = errors.New("modbam: insufficient sample for threshold estimation")
	// WriterFailed: an output writer I/O error, always fatal.
	WriterFailed = errors.New("modbam: writer failed")
	// InvalidMotif: a motif pattern or offset is malformed.
	InvalidMotif = errors.New("modbam: invalid motif")
	// CoverageUnderflow: coverage-capping or balancing downsampling could
	// not produce a valid non-negative count.
	CoverageUnderflow = errors.New("modbam: coverage underflow")
)
