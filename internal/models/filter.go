package models

import "time"

// R18 filter modes.
const (
	R18Safe = 0
	R18Only = 1
	R18Any  = 2
)

// TagGroup is an OR of tag names; groups are AND'd together.
type TagGroup []string

// RandomFilter narrows the sampled population of enabled images.
type RandomFilter struct {
	R18       int
	R18Strict bool // when false, NULL x_restrict counts as safe

	Orientations []int // empty = any
	AITypes      []int
	IllustTypes  []int

	MinWidth     int
	MinHeight    int
	MinPixels    int64
	MinBookmarks int64
	MinViews     int64
	MinComments  int64

	UserID      *int64
	IllustID    *int64
	CreatedFrom *time.Time
	CreatedTo   *time.Time

	IncludedTagGroups []TagGroup
	ExcludedTags      []string

	ExcludeImageIDs    []int64
	FailCooldownBefore *time.Time
}

// AppliedFilters summarizes the non-default constraints for NO_MATCH hints.
func (f *RandomFilter) AppliedFilters() map[string]any {
	applied := map[string]any{}
	if f.R18 != R18Any {
		applied["r18"] = f.R18
	}
	if len(f.Orientations) > 0 {
		applied["orientation"] = f.Orientations
	}
	if len(f.AITypes) > 0 {
		applied["ai_type"] = f.AITypes
	}
	if len(f.IllustTypes) > 0 {
		applied["illust_type"] = f.IllustTypes
	}
	if f.MinWidth > 0 {
		applied["min_width"] = f.MinWidth
	}
	if f.MinHeight > 0 {
		applied["min_height"] = f.MinHeight
	}
	if f.MinPixels > 0 {
		applied["min_pixels"] = f.MinPixels
	}
	if f.MinBookmarks > 0 {
		applied["min_bookmarks"] = f.MinBookmarks
	}
	if f.MinViews > 0 {
		applied["min_views"] = f.MinViews
	}
	if f.MinComments > 0 {
		applied["min_comments"] = f.MinComments
	}
	if f.UserID != nil {
		applied["user_id"] = *f.UserID
	}
	if f.IllustID != nil {
		applied["illust_id"] = *f.IllustID
	}
	if len(f.IncludedTagGroups) > 0 {
		applied["included_tags"] = f.IncludedTagGroups
	}
	if len(f.ExcludedTags) > 0 {
		applied["excluded_tags"] = f.ExcludedTags
	}
	return applied
}
