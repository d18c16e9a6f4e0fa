package session

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// blockResources intercepts requests on page and fails those whose resource
// type is listed in types (images, fonts, media, stylesheets). Interactive
// automation rarely needs decorative payloads, and blocking them keeps
// navigation timeouts honest on slow pages.
func blockResources(page *rod.Page, types []string) error {
	blocked := make(map[string]bool, len(types))
	for _, t := range types {
		blocked[normalizeResourceType(t)] = true
	}

	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if blocked[normalizeResourceType(string(h.Request.Type()))] {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()

	return nil
}

// normalizeResourceType maps config names and CDP resource types onto one
// vocabulary, so "images" in YAML matches the protocol's "Image".
func normalizeResourceType(t string) string {
	switch strings.ToLower(t) {
	case "image", "images":
		return "image"
	case "font", "fonts":
		return "font"
	case "media":
		return "media"
	case "stylesheet", "stylesheets":
		return "stylesheet"
	default:
		return strings.ToLower(t)
	}
}
