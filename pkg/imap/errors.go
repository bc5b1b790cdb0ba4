// Copyright 2025 Tom Barlow
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

package imap

import "fmt"

// FolderNotFoundError is raised when a special-use folder cannot be
// resolved by attribute, fallback name table, or substring match.
type FolderNotFoundError struct {
	Attribute string
	Tried     []string
}

func (e *FolderNotFoundError) Error() string {
	return fmt.Sprintf("imap: could not resolve folder for attribute %q (tried: %v)", e.Attribute, e.Tried)
}
