// Markpad is a collaborative markdown workspace service.
// Copyright (C) 2025 Markpad Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package ws

import "testing"

func TestScopeAdmits(t *testing.T) {
	tests := []struct {
		name  string
		scope string
		path  string
		want  bool
	}{
		{"empty scope admits all", "", "docs/a.md", true},
		{"file-less event passes", "docs", "", true},
		{"exact match", "docs", "docs", true},
		{"child", "docs", "docs/a.md", true},
		{"nested child", "docs", "docs/sub/a.md", true},
		{"sibling prefix", "docs", "docs-old/a.md", false},
		{"outside", "docs", "notes/a.md", false},
		{"trailing slash scope", "docs/", "docs/a.md", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scopeAdmits(tt.scope, tt.path); got != tt.want {
				t.Errorf("scopeAdmits(%q, %q) = %v, want %v", tt.scope, tt.path, got, tt.want)
			}
		})
	}
}
