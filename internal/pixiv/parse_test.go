//go:build !integration && !e2e
// +build !integration,!e2e

package pixiv

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseIllust_SinglePage(t *testing.T) {
	body := []byte(`{
		"illust": {
			"id": 123456,
			"title": "evening walk",
			"type": "illust",
			"page_count": 1,
			"width": 1200,
			"height": 1600,
			"x_restrict": 0,
			"illust_ai_type": 1,
			"create_date": "2024-03-15T18:00:00+09:00",
			"total_bookmarks": 4200,
			"total_view": 98000,
			"total_comments": 37,
			"user": {"id": 777, "name": "someone"},
			"meta_single_page": {"original_image_url": "https://i.pximg.net/img-original/img/2024/03/15/18/00/00/123456_p0.png"},
			"tags": [
				{"name": "風景", "translated_name": "scenery"},
				{"name": "夕焼け", "translated_name": null},
				{"name": "風景", "translated_name": "scenery"}
			]
		}
	}`)

	illust, err := ParseIllust(body)
	require.NoError(t, err)

	assert.Equal(t, int64(123456), illust.ID)
	assert.Equal(t, "evening walk", illust.Title)
	assert.Equal(t, 0, illust.IllustType)
	assert.Equal(t, 1, illust.AIType)
	assert.Equal(t, 1200, illust.Width)
	assert.Equal(t, int64(777), illust.UserID)
	assert.Equal(t, int64(4200), illust.Bookmarks)

	require.NotNil(t, illust.CreateDate)
	assert.Equal(t, time.UTC, illust.CreateDate.Location())
	assert.Equal(t, 9, illust.CreateDate.Hour(), "JST 18:00 is 09:00 UTC")

	require.Len(t, illust.Pages, 1)
	assert.Equal(t, 0, illust.Pages[0].Index)
	assert.Equal(t, "png", illust.Pages[0].Ext)

	require.Len(t, illust.Tags, 2, "duplicate tag names collapse")
	assert.Equal(t, "風景", illust.Tags[0].Name)
	require.NotNil(t, illust.Tags[0].TranslatedName)
	assert.Equal(t, "scenery", *illust.Tags[0].TranslatedName)
	assert.Nil(t, illust.Tags[1].TranslatedName)
}

func TestParseIllust_MultiPage(t *testing.T) {
	body := []byte(`{
		"illust": {
			"id": 99,
			"title": "set",
			"illust_type": 1,
			"page_count": 3,
			"user": {"id": 1, "name": "a"},
			"meta_pages": [
				{"image_urls": {"original": "https://i.pximg.net/img-original/img/x/99_p0.jpg"}},
				{"image_urls": {"original": "https://i.pximg.net/img-original/img/x/99_p1.png"}},
				{"image_urls": {"original": "https://i.pximg.net/img-original/img/x/99_p2.gif"}}
			]
		}
	}`)

	illust, err := ParseIllust(body)
	require.NoError(t, err)

	assert.Equal(t, 1, illust.IllustType, "numeric illust_type wins over legacy type")
	require.Len(t, illust.Pages, 3)
	assert.Equal(t, []string{"jpg", "png", "gif"},
		[]string{illust.Pages[0].Ext, illust.Pages[1].Ext, illust.Pages[2].Ext})
	for i, p := range illust.Pages {
		assert.Equal(t, i, p.Index)
	}
}

func TestParseIllust_Unprocessable(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing illust", `{"error": {"message": "deleted"}}`},
		{"missing id", `{"illust": {"page_count": 1, "meta_single_page": {"original_image_url": "u.jpg"}}}`},
		{"zero page count", `{"illust": {"id": 1, "page_count": 0}}`},
		{"absurd page count", `{"illust": {"id": 1, "page_count": 100000}}`},
		{"single page without url", `{"illust": {"id": 1, "page_count": 1}}`},
		{"multi page without meta", `{"illust": {"id": 1, "page_count": 2}}`},
		{"unknown illust_type string", `{"illust": {"id": 1, "type": "novel", "page_count": 1, "meta_single_page": {"original_image_url": "u.jpg"}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseIllust([]byte(tt.body))
			require.Error(t, err)
			var parseErr *ParseError
			assert.True(t, errors.As(err, &parseErr), "unprocessable payloads are permanent failures")
		})
	}
}

func TestExtFromURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://i.pximg.net/img/1_p0.png", "png"},
		{"https://i.pximg.net/img/1_p0.JPG", "jpg"},
		{"https://i.pximg.net/img/1_p0.jpeg", "jpeg"},
		{"https://i.pximg.net/img/1_p0.webp?x=1", "webp"},
		{"https://i.pximg.net/img/1_p0.png#frag", "png"},
		{"https://i.pximg.net/img/1_p0", "jpg"},
		{"https://i.pximg.net/img/1_p0.exe", "jpg"},
		{"", "jpg"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExtFromURL(tt.url), tt.url)
	}
}
