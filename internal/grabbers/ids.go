// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grabbers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IDPrefix starts every generated grabber ID.
const IDPrefix = "AUTO_SEM_"

// IDSource returns a four-character uppercase alphanumeric suffix for a
// generated grabber ID. seed identifies what the ID is generated for.
type IDSource func(seed string) string

// RandomSuffix derives the suffix from a fresh UUID. It ignores seed.
func RandomSuffix(string) string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
}

// DeterministicSuffix derives the suffix from a hash of seed, so the same
// input always yields the same ID.
func DeterministicSuffix(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:4])
}

// NewID formats AUTO_SEM_<yyyymmdd>_<suffix>.
func NewID(now time.Time, suffix string) string {
	return IDPrefix + now.Format("20060102") + "_" + suffix
}
