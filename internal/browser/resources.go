package browser

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// applyResourceBlocking installs a network hijacker that aborts requests for
// the listed resource types before any bytes transfer. Listing pages load
// noticeably faster with images and media cut.
func applyResourceBlocking(page *rod.Page, blocked []string) error {
	blockSet := make(map[string]bool, len(blocked))
	for _, b := range blocked {
		blockSet[normalizeResource(b)] = true
	}

	router := page.HijackRequests()
	err := router.Add("*", "", func(ctx *rod.Hijack) {
		if shouldBlock(ctx.Request.Type(), blockSet) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})
	if err != nil {
		return err
	}
	go router.Run()
	return nil
}

// normalizeResource folds plural config spellings onto the canonical name.
func normalizeResource(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "images":
		return "image"
	case "fonts":
		return "font"
	case "stylesheets":
		return "stylesheet"
	case "scripts":
		return "script"
	}
	return n
}

func shouldBlock(t proto.NetworkResourceType, blockSet map[string]bool) bool {
	switch t {
	case proto.NetworkResourceTypeImage:
		return blockSet["image"]
	case proto.NetworkResourceTypeFont:
		return blockSet["font"]
	case proto.NetworkResourceTypeMedia:
		return blockSet["media"]
	case proto.NetworkResourceTypeStylesheet:
		return blockSet["stylesheet"]
	case proto.NetworkResourceTypeScript:
		return blockSet["script"]
	}
	return false
}
