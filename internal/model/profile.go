// ABOUTME: User profile and place entities
// ABOUTME: Profiles are cached once per user id regardless of where they are shown

package model

// Profile is a user's public profile.
type Profile struct {
	ID           string `json:"id"`
	DisplayName  string `json:"display_name"`
	AvatarURL    string `json:"avatar_url,omitempty"`
	Premium      bool   `json:"is_premium"`
	FriendCount  int    `json:"friend_count"`
	MessageCount int    `json:"message_count"`
}

// ProfilePatch is a partial profile update.
type ProfilePatch struct {
	DisplayName *string `json:"display_name,omitempty"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

// Apply merges p into profile.
func (p ProfilePatch) Apply(profile Profile) Profile {
	if p.DisplayName != nil {
		profile.DisplayName = *p.DisplayName
	}
	if p.AvatarURL != nil {
		profile.AvatarURL = *p.AvatarURL
	}
	return profile
}

// Place is a location that hosts a place thread.
type Place struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}
