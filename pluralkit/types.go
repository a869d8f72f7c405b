// Copyright 2025 The frontwatch authors
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

package pluralkit

import "time"

// PrivacyLevel is the visibility of a single piece of system or member
// information.
type PrivacyLevel string

const (
	PrivacyPublic               PrivacyLevel = "public"
	PrivacyPrivate              PrivacyLevel = "private"
	PrivacyPublicWithBlacklist  PrivacyLevel = "public_with_blacklist"
	PrivacyPrivateWithWhitelist PrivacyLevel = "private_with_whitelist"
)

// SystemInfo is the public record of a PluralKit system, addressed by its
// five-letter ID.
type SystemInfo struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Tag         string         `json:"tag,omitempty"`
	Pronouns    string         `json:"pronouns,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Banner      string         `json:"banner,omitempty"`
	Color       string         `json:"color,omitempty"`
	Created     time.Time      `json:"created"`
	Privacy     *SystemPrivacy `json:"privacy,omitempty"`
}

// SystemPrivacy holds the per-category privacy levels of a system.
type SystemPrivacy struct {
	DescriptionPrivacy  PrivacyLevel `json:"description_privacy"`
	MemberListPrivacy   PrivacyLevel `json:"member_list_privacy"`
	GroupListPrivacy    PrivacyLevel `json:"group_list_privacy"`
	FrontPrivacy        PrivacyLevel `json:"front_privacy"`
	FrontHistoryPrivacy PrivacyLevel `json:"front_history_privacy"`
}

// PrivacySettings extends SystemPrivacy with the allow-list of Discord
// users permitted to see private front state.
type PrivacySettings struct {
	SystemPrivacy
	AllowedViewers []string `json:"allowed_viewers"`
}

// Member is an individual identity within a system. Members are immutable
// snapshots fetched per query and never mutated locally.
type Member struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name,omitempty"`
	Color       string    `json:"color,omitempty"`
	Birthday    string    `json:"birthday,omitempty"`
	Pronouns    string    `json:"pronouns,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Banner      string    `json:"banner,omitempty"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created"`
}

// Switch records a change of fronters at a point in time.
type Switch struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Members   []Member  `json:"members"`
}

// FronterSnapshot is the current front state of a system. Private means
// the query succeeded but the caller is not permitted to see identities;
// it must be distinguished from an empty member list, which means nobody
// is fronting.
type FronterSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Members   []Member  `json:"members"`
	Private   bool      `json:"private,omitempty"`
}
