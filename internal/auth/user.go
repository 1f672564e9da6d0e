/*
Copyright 2025.

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

package auth

import (
	"regexp"
	"strings"
	"time"

	"github.com/scribeworks/codex/internal/apperr"
	"github.com/scribeworks/codex/internal/kv"
)

// User is an account record stored under ["users","by_id",id].
// Username and email uniqueness is enforced through the
// ["users","by_username"] and ["users","by_email"] index keys.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email,omitempty"`
	DisplayName  string    `json:"displayName"`
	PasswordHash string    `json:"passwordHash,omitempty"`
	IsActive     bool      `json:"isActive"`
	IsAdmin      bool      `json:"isAdmin,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Settings     Settings  `json:"settings"`
}

// Sanitized returns a copy safe to hand to clients.
func (u User) Sanitized() User {
	u.PasswordHash = ""
	return u
}

// Settings are per-user editor preferences.
type Settings struct {
	Theme        string `json:"theme"`
	Language     string `json:"language"`
	AutoSave     bool   `json:"autoSave"`
	FontSize     int    `json:"fontSize"`
	ShowLineNums bool   `json:"showLineNumbers"`
}

// DefaultSettings returns the settings applied to new accounts and
// used to fill unset fields during profile merges.
func DefaultSettings() Settings {
	return Settings{
		Theme:        "system",
		Language:     "en",
		AutoSave:     true,
		FontSize:     14,
		ShowLineNums: true,
	}
}

// SettingsPatch carries a partial settings update; nil fields keep
// their current value.
type SettingsPatch struct {
	Theme        *string `json:"theme,omitempty"`
	Language     *string `json:"language,omitempty"`
	AutoSave     *bool   `json:"autoSave,omitempty"`
	FontSize     *int    `json:"fontSize,omitempty"`
	ShowLineNums *bool   `json:"showLineNumbers,omitempty"`
}

// merge applies the patch field-wise over current, falling back to
// defaults for fields that were never set.
func (p SettingsPatch) merge(current Settings) Settings {
	defaults := DefaultSettings()
	out := current
	if out.Theme == "" {
		out.Theme = defaults.Theme
	}
	if out.Language == "" {
		out.Language = defaults.Language
	}
	if out.FontSize == 0 {
		out.FontSize = defaults.FontSize
	}
	if p.Theme != nil {
		out.Theme = *p.Theme
	}
	if p.Language != nil {
		out.Language = *p.Language
	}
	if p.AutoSave != nil {
		out.AutoSave = *p.AutoSave
	}
	if p.FontSize != nil {
		out.FontSize = *p.FontSize
	}
	if p.ShowLineNums != nil {
		out.ShowLineNums = *p.ShowLineNums
	}
	return out
}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9._~-]{3,50}$`)

// ValidateUsername enforces the 3-50 character URL-safe username rule.
func ValidateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return apperr.New(apperr.KindInvalidInput,
			"username must be 3-50 characters of letters, digits, '.', '_', '~', or '-'")
	}
	return nil
}

// ValidateEmail applies a light syntactic check; deliverability is the
// caller's problem.
func ValidateEmail(email string) error {
	at := strings.Index(email, "@")
	if at < 1 || at == len(email)-1 || len(email) > 254 || strings.ContainsAny(email, " \t\n") {
		return apperr.New(apperr.KindInvalidInput, "invalid email address")
	}
	return nil
}

// User record key helpers.

func userKey(id string) kv.Key       { return kv.K("users", "by_id", id) }
func usernameKey(u string) kv.Key    { return kv.K("users", "by_username", strings.ToLower(u)) }
func emailKey(email string) kv.Key   { return kv.K("users", "by_email", strings.ToLower(email)) }
func sessionKey(token string) kv.Key { return kv.K("sessions", token) }

func sessionPrefix() kv.Key { return kv.K("sessions") }
