package extractor

import (
	"regexp"

	"github.com/JakeFAU/media-scraper/internal/scraper"
)

// MinImageURLLength is the shortest resolved image URL that is kept. Shorter
// image references are almost always tracking pixels or placeholders.
const MinImageURLLength = 20

// videoLinkPattern matches anchor hrefs that point at a video file.
var videoLinkPattern = regexp.MustCompile(`(?i)\.(mp4|webm|ogg|mov|avi|mkv)$`)

// Rule maps elements matched by Selector to a media kind via Attr. When Match
// is set, the raw attribute value must satisfy it before resolution.
type Rule struct {
	Selector string
	Attr     string
	Kind     scraper.MediaKind
	Match    *regexp.Regexp
}

// DefaultRules is the rule table applied to every page, in order.
var DefaultRules = []Rule{
	{Selector: "img", Attr: "src", Kind: scraper.KindImage},
	{Selector: "img", Attr: "data-src", Kind: scraper.KindImage},
	{Selector: "img", Attr: "data-lazy-src", Kind: scraper.KindImage},
	{Selector: "video", Attr: "src", Kind: scraper.KindVideo},
	{Selector: "video source", Attr: "src", Kind: scraper.KindVideo},
	{Selector: "a[href]", Attr: "href", Kind: scraper.KindVideo, Match: videoLinkPattern},
}
