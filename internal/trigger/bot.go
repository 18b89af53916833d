package trigger

import (
	"regexp"
	"strings"

	"github.com/mssola/useragent"
)

// Substrings matched case-insensitively against the User-Agent.
var botSignatures = []string{
	// Link-preview / unfurler bots
	"facebookexternalhit",
	"facebot",
	"whatsapp",
	"slackbot",
	"telegrambot",
	"discordbot",
	"applebot",
	"twitterbot",
	"linkedinbot",
	"skypeuripreview",
	"embedly",
	"vkshare",

	// Google
	"google web preview",
	"google favicon",
	"google-ad",
	"google-site-verification",
	"googlesecurityscanner",
	"chrome-lighthouse",

	// Security / scanning
	"burpcollaborator.net/",
	"zgrab/",
	"netcraftsurveyagent/",

	// HTTP client libraries (not real browsers)
	"go-http-client/",
	"curl/",
	"wget/",
	"python-requests/",
	"python-urllib/",
	"java/",
	"libwww-perl/",
	"okhttp/",

	// Headless / renderers
	"phantomjs",
	"slimerjs",
	"wkhtmltoimage",
	"wkhtmltopdf",

	// Misc known tools
	"bingpreview/",
	"dataprovider.com",
	"wappalyzer",
	"whatweb/",
}

// Generic catch-all for agents that announce themselves.
var botPattern = regexp.MustCompile(`(?i)(bot|spider|crawl|headless|preview|prefetch|fetcher|scraper|slurp|monitor)`)

// IsBot returns true if the user-agent looks like a crawler, preview fetcher
// or scripted client.
func IsBot(rawUA string) bool {
	if rawUA == "" {
		return false
	}
	if useragent.New(rawUA).Bot() {
		return true
	}
	lower := strings.ToLower(rawUA)
	for _, sig := range botSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return botPattern.MatchString(rawUA)
}
