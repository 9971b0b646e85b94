//go:build !integration && !e2e
// +build !integration,!e2e

package service

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/user/piximg-go/internal/config"
)

func TestMirrorService_ResolveHost(t *testing.T) {
	svc := NewMirrorService(config.ImageProxyConfig{
		CustomHosts: "img.example.com, cdn.example.org",
	})

	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"short name cat", "cat", "i.pixiv.cat"},
		{"short name re", "re", "i.pixiv.re"},
		{"short name nl", "nl", "i.pixiv.nl"},
		{"short name case insensitive", "CAT", "i.pixiv.cat"},
		{"allowlisted custom host", "img.example.com", "img.example.com"},
		{"allowlisted with surrounding space", "cdn.example.org", "cdn.example.org"},
		{"unlisted host", "evil.example.com", ""},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, svc.ResolveHost(tt.requested))
		})
	}
}

func TestMirrorService_PickForRequest(t *testing.T) {
	svc := NewMirrorService(config.ImageProxyConfig{})

	zh := http.Header{}
	zh.Set("Accept-Language", "zh-CN,zh;q=0.9")
	assert.Equal(t, "i.pixiv.re", svc.PickForRequest(zh, ""))

	en := http.Header{}
	en.Set("Accept-Language", "en-US,en;q=0.9")
	assert.Equal(t, "i.pixiv.cat", svc.PickForRequest(en, ""))
	assert.Equal(t, "i.pixiv.nl", svc.PickForRequest(en, "i.pixiv.nl"), "fallback wins over the default")

	// A configured host overrides request hints entirely.
	pinned := NewMirrorService(config.ImageProxyConfig{MirrorHost: "nl"})
	assert.Equal(t, "i.pixiv.nl", pinned.PickForRequest(zh, ""))
}

func TestMirrorService_Rewrite(t *testing.T) {
	svc := NewMirrorService(config.ImageProxyConfig{})

	in := "https://i.pximg.net/img-original/img/2024/01/01/00/00/00/123_p0.jpg"
	assert.Equal(t,
		"https://i.pixiv.cat/img-original/img/2024/01/01/00/00/00/123_p0.jpg",
		svc.Rewrite(in, "i.pixiv.cat"))

	// Only pximg URLs are rewritten.
	other := "https://static.example.com/a.jpg"
	assert.Equal(t, other, svc.Rewrite(other, "i.pixiv.cat"))

	// Empty mirror host is a no-op.
	assert.Equal(t, in, svc.Rewrite(in, ""))
}

func TestMirrorService_Enabled(t *testing.T) {
	svc := NewMirrorService(config.ImageProxyConfig{UsePixivCat: true})

	assert.True(t, svc.Enabled(nil))
	off := false
	assert.False(t, svc.Enabled(&off), "per-request override beats config")
	on := true
	assert.True(t, NewMirrorService(config.ImageProxyConfig{}).Enabled(&on))
}
