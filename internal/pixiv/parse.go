package pixiv

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// maxTagsPerIllust caps stored tags per illust.
const maxTagsPerIllust = 200

// maxPageCount bounds a plausible illust; values outside [1,max] mark the
// payload permanently unprocessable.
const maxPageCount = 1000

// ParseError is a permanently unprocessable payload; retrying the same
// illust cannot fix it.
type ParseError struct {
	Msg string
}

func (e *ParseError) Error() string {
	return "unparseable illust payload: " + e.Msg
}

// Illust is the normalized metadata extracted from a detail response.
type Illust struct {
	ID         int64
	PageCount  int
	Pages      []Page
	Width      int
	Height     int
	XRestrict  int
	AIType     int
	IllustType int
	UserID     int64
	UserName   string
	Title      string
	CreateDate *time.Time
	Bookmarks  int64
	Views      int64
	Comments   int64
	Tags       []Tag
}

// Page is one page's source URL with its parsed extension.
type Page struct {
	Index       int
	OriginalURL string
	Ext         string
}

// Tag is a deduplicated illust tag.
type Tag struct {
	Name           string
	TranslatedName *string
}

// illustTypeValue accepts the numeric and the legacy string encodings.
type illustTypeValue int

func (v *illustTypeValue) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*v = illustTypeValue(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("illust_type is neither int nor string: %s", data)
	}
	switch s {
	case "illust":
		*v = 0
	case "manga":
		*v = 1
	case "ugoira":
		*v = 2
	default:
		return fmt.Errorf("unknown illust_type %q", s)
	}
	return nil
}

type wireIllust struct {
	ID             int64            `json:"id"`
	Title          string           `json:"title"`
	Type           illustTypeValue  `json:"type"`
	IllustType     *illustTypeValue `json:"illust_type"`
	PageCount      int              `json:"page_count"`
	Width          int              `json:"width"`
	Height         int              `json:"height"`
	XRestrict      int              `json:"x_restrict"`
	IllustAIType   int              `json:"illust_ai_type"`
	CreateDate     string           `json:"create_date"`
	TotalBookmarks int64            `json:"total_bookmarks"`
	TotalView      int64            `json:"total_view"`
	TotalComments  int64            `json:"total_comments"`
	User           struct {
		ID   int64  `json:"id"`
		Name string `json:"name"`
	} `json:"user"`
	MetaSinglePage struct {
		OriginalImageURL string `json:"original_image_url"`
	} `json:"meta_single_page"`
	MetaPages []struct {
		ImageURLs struct {
			Original string `json:"original"`
		} `json:"image_urls"`
	} `json:"meta_pages"`
	Tags []struct {
		Name           string  `json:"name"`
		TranslatedName *string `json:"translated_name"`
	} `json:"tags"`
}

// ParseIllust normalizes a detail response body.
func ParseIllust(body []byte) (*Illust, error) {
	var payload struct {
		Illust *wireIllust `json:"illust"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &ParseError{Msg: err.Error()}
	}
	w := payload.Illust
	if w == nil {
		return nil, &ParseError{Msg: "missing illust object"}
	}
	if w.ID == 0 {
		return nil, &ParseError{Msg: "missing illust id"}
	}
	if w.PageCount < 1 || w.PageCount > maxPageCount {
		return nil, &ParseError{Msg: fmt.Sprintf("page_count %d out of range", w.PageCount)}
	}

	out := &Illust{
		ID:        w.ID,
		PageCount: w.PageCount,
		Width:     w.Width,
		Height:    w.Height,
		XRestrict: w.XRestrict,
		AIType:    w.IllustAIType,
		UserID:    w.User.ID,
		UserName:  w.User.Name,
		Title:     w.Title,
		Bookmarks: w.TotalBookmarks,
		Views:     w.TotalView,
		Comments:  w.TotalComments,
	}
	if w.IllustType != nil {
		out.IllustType = int(*w.IllustType)
	} else {
		out.IllustType = int(w.Type)
	}

	if w.CreateDate != "" {
		if t, err := time.Parse(time.RFC3339, w.CreateDate); err == nil {
			utc := t.UTC()
			out.CreateDate = &utc
		}
	}

	pages, err := extractPages(w)
	if err != nil {
		return nil, err
	}
	out.Pages = pages

	seen := make(map[string]bool, len(w.Tags))
	for _, t := range w.Tags {
		if t.Name == "" || seen[t.Name] {
			continue
		}
		seen[t.Name] = true
		out.Tags = append(out.Tags, Tag{Name: t.Name, TranslatedName: t.TranslatedName})
		if len(out.Tags) >= maxTagsPerIllust {
			break
		}
	}
	return out, nil
}

func extractPages(w *wireIllust) ([]Page, error) {
	if w.PageCount == 1 {
		u := w.MetaSinglePage.OriginalImageURL
		if u == "" && len(w.MetaPages) > 0 {
			u = w.MetaPages[0].ImageURLs.Original
		}
		if u == "" {
			return nil, &ParseError{Msg: "single page without original_image_url"}
		}
		return []Page{{Index: 0, OriginalURL: u, Ext: ExtFromURL(u)}}, nil
	}
	if len(w.MetaPages) == 0 {
		return nil, &ParseError{Msg: fmt.Sprintf("page_count=%d but meta_pages empty", w.PageCount)}
	}
	pages := make([]Page, 0, len(w.MetaPages))
	for i, mp := range w.MetaPages {
		u := mp.ImageURLs.Original
		if u == "" {
			return nil, &ParseError{Msg: fmt.Sprintf("page %d without original url", i)}
		}
		pages = append(pages, Page{Index: i, OriginalURL: u, Ext: ExtFromURL(u)})
	}
	return pages, nil
}

// ExtFromURL extracts the lowercase image extension, defaulting to jpg.
func ExtFromURL(rawURL string) string {
	path := rawURL
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	i := strings.LastIndexByte(path, '.')
	if i < 0 || i == len(path)-1 {
		return "jpg"
	}
	ext := strings.ToLower(path[i+1:])
	switch ext {
	case "jpg", "jpeg", "png", "gif", "webp", "avif":
		return ext
	}
	return "jpg"
}
