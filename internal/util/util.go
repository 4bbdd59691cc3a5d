// Copyright (C) 2019 Nicola Murino
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

// Package util provides some common utility methods
package util

import (
	"path/filepath"
	"strings"
)

// Contains reports whether v is present in elems
func Contains[T comparable](elems []T, v T) bool {
	for _, s := range elems {
		if v == s {
			return true
		}
	}
	return false
}

// RemoveDuplicates returns a new slice removing any duplicate element from the initial one
func RemoveDuplicates(obj []string, trim bool) []string {
	if len(obj) == 0 {
		return obj
	}
	seen := make(map[string]bool)
	validIdx := 0
	for _, item := range obj {
		if trim {
			item = strings.TrimSpace(item)
		}
		if !seen[item] && item != "" {
			seen[item] = true
			obj[validIdx] = item
			validIdx++
		}
	}
	return obj[:validIdx]
}

// MemsetZero overwrites the given byte slice with zeroes.
// It is used to clear key material and decrypted secrets from memory
// when they are no longer needed.
func MemsetZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// IsByteArrayEmpty return true if the byte array is empty or contains only zeroes
func IsByteArrayEmpty(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// IsFileInputValid returns true this is a valid file name.
// This method must be used before joining a file name, generally provided as
// user input, with a directory
func IsFileInputValid(fileInput string) bool {
	cleanInput := filepath.Clean(fileInput)
	if cleanInput == "." || cleanInput == ".." {
		return false
	}
	return true
}

// CleanDirInput sanitizes user input for directories.
// On Windows it removes any trailing `"`.
// It returns an absolute path
func CleanDirInput(dirInput string) string {
	if strings.HasSuffix(dirInput, "\"") {
		dirInput = strings.TrimSuffix(dirInput, "\"")
	}
	absPath, err := filepath.Abs(dirInput)
	if err != nil {
		return dirInput
	}
	return absPath
}
