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

// Package modbam decodes the modified-base side channel (MM/ML, or legacy
// Mm/Ml, aux tags) of an aligned modBAM record into a per-primary-base,
// per-occurrence probability view of the forward-oriented read sequence.
package modbam

import "github.com/grailbio/bio-modbam/modbamerrors"

// Error kinds used by this package; see modbamerrors for the full set
// shared across the core (spec.md §7).
var (
	ErrMalformedTag          = modbamerrors.MalformedTag
	ErrUnknownCode           = modbamerrors.UnknownCode
	ErrImplicitModeForbidden = modbamerrors.ImplicitModeForbidden
	ErrSeqLengthMismatch     = modbamerrors.SeqLengthMismatch
)
