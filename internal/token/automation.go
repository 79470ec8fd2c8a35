package token

import (
	"net/http"
	"regexp"
	"strings"
)

// AutomationThreshold is the score at or above which a request is
// classified as automated.
const AutomationThreshold = 50

// Signal weights. The sum is capped at 100 before it becomes the confidence.
const (
	weightMissingUA        = 40
	weightAutomationUA     = 35
	weightMissingLanguage  = 15
	weightGenericAccept    = 10
	weightMissingEncoding  = 10
	weightNoSecFetch       = 15
	weightBrowserNoFetch   = 20
	weightConnectionClose  = 5
)

// automationUAPattern matches user agents of common HTTP clients, headless
// browsers, and scraping frameworks. The list is a policy knob; keep it
// alphabetized when extending.
var automationUAPattern = regexp.MustCompile(`(?i)(axios|bot|crawler|curl|go-http-client|headlesschrome|httpclient|java/|libwww|node-fetch|okhttp|phantomjs|playwright|postmanruntime|puppeteer|python-requests|python-urllib|scrapy|selenium|spider|wget)`)

// browserUAPattern recognizes user agents that claim to be real browsers.
// Real browsers always send Sec-Fetch-* metadata, so a browser UA without
// it is a stronger automation signal than either alone.
var browserUAPattern = regexp.MustCompile(`(?i)(mozilla|chrome|safari|firefox|edg)`)

// AutomationResult is the outcome of automation detection on one request.
type AutomationResult struct {
	IsAutomated bool
	Confidence  int
	Reasons     []string
}

// DetectAutomation scores an inbound request against weighted automation
// signals. It reads headers only; the caller decides whether the verdict
// blocks, throttles, or merely logs.
func DetectAutomation(r *http.Request) AutomationResult {
	score := 0
	var reasons []string

	ua := r.Header.Get("User-Agent")
	switch {
	case ua == "":
		score += weightMissingUA
		reasons = append(reasons, "missing user agent")
	case automationUAPattern.MatchString(ua):
		score += weightAutomationUA
		reasons = append(reasons, "automation tool user agent")
	}

	if r.Header.Get("Accept-Language") == "" {
		score += weightMissingLanguage
		reasons = append(reasons, "missing accept-language")
	}
	if strings.TrimSpace(r.Header.Get("Accept")) == "*/*" {
		score += weightGenericAccept
		reasons = append(reasons, "generic accept header")
	}
	if r.Header.Get("Accept-Encoding") == "" {
		score += weightMissingEncoding
		reasons = append(reasons, "missing accept-encoding")
	}

	hasSecFetch := r.Header.Get("Sec-Fetch-Site") != "" ||
		r.Header.Get("Sec-Fetch-Mode") != "" ||
		r.Header.Get("Sec-Fetch-Dest") != ""
	if !hasSecFetch {
		score += weightNoSecFetch
		reasons = append(reasons, "no sec-fetch headers")
		if ua != "" && browserUAPattern.MatchString(ua) {
			score += weightBrowserNoFetch
			reasons = append(reasons, "browser user agent without sec-fetch headers")
		}
	}

	if strings.EqualFold(r.Header.Get("Connection"), "close") {
		score += weightConnectionClose
		reasons = append(reasons, "connection close")
	}

	if score > 100 {
		score = 100
	}
	return AutomationResult{
		IsAutomated: score >= AutomationThreshold,
		Confidence:  score,
		Reasons:     reasons,
	}
}
