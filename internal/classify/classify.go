// Package classify turns an observed hostname into a category tag and a
// human-readable application name. It is a pure function: no I/O, no shared
// state, safe to call from any goroutine.
package classify

import "strings"

// Category is one of the fixed closed set of hostname purposes.
type Category string

const (
	CategoryVideo     Category = "video"
	CategorySocial    Category = "social"
	CategoryMessaging Category = "messaging"
	CategoryGaming    Category = "gaming"
	CategorySearch    Category = "search"
	CategorySystem    Category = "system"
	CategoryGeneral   Category = "general"
)

// entry is one row of the ordered substring table. Order is part of the
// contract: the first entry whose Substring occurs in the lowercased
// hostname wins.
type entry struct {
	Substring string
	Category  Category
	App       string
}

// table is intentionally ordered most-specific-first within each provider
// family so a single domain resolves to one category even when it could
// plausibly match more than one entry (e.g. "googlevideo.com" must classify
// as video before any generic "google" search entry could claim it).
var table = []entry{
	{"googlevideo.com", CategoryVideo, "YouTube Streaming"},
	{"ytimg.com", CategoryVideo, "YouTube"},
	{"youtubei.googleapis.com", CategoryVideo, "YouTube"},
	{"youtube.com", CategoryVideo, "YouTube"},
	{"netflix.com", CategoryVideo, "Netflix"},
	{"nflxvideo.net", CategoryVideo, "Netflix"},
	{"primevideo.com", CategoryVideo, "Prime Video"},
	{"twitch.tv", CategoryVideo, "Twitch"},
	{"ttvnw.net", CategoryVideo, "Twitch"},

	{"cdninstagram.com", CategorySocial, "Instagram"},
	{"instagram.com", CategorySocial, "Instagram"},
	{"fbcdn.net", CategorySocial, "Facebook/Instagram CDN"},
	{"facebook.com", CategorySocial, "Facebook"},
	{"fbsbx.com", CategorySocial, "Facebook"},
	{"twitter.com", CategorySocial, "Twitter/X"},
	{"x.com", CategorySocial, "Twitter/X"},
	{"tiktokcdn.com", CategorySocial, "TikTok"},
	{"tiktok.com", CategorySocial, "TikTok"},
	{"snapchat.com", CategorySocial, "Snapchat"},
	{"reddit.com", CategorySocial, "Reddit"},

	{"g.whatsapp.net", CategoryMessaging, "WhatsApp"},
	{"whatsapp.net", CategoryMessaging, "WhatsApp"},
	{"whatsapp.com", CategoryMessaging, "WhatsApp"},
	{"telegram.org", CategoryMessaging, "Telegram"},
	{"discord.gg", CategoryMessaging, "Discord"},
	{"discord.com", CategoryMessaging, "Discord"},
	{"discordapp.com", CategoryMessaging, "Discord"},
	{"imessage.apple.com", CategoryMessaging, "iMessage"},

	{"steampowered.com", CategoryGaming, "Steam"},
	{"steamcontent.com", CategoryGaming, "Steam"},
	{"epicgames.com", CategoryGaming, "Epic Games"},
	{"riotgames.com", CategoryGaming, "Riot Games"},
	{"valorant.com", CategoryGaming, "Valorant"},
	{"xboxlive.com", CategoryGaming, "Xbox Live"},
	{"playstation.net", CategoryGaming, "PlayStation Network"},
	{"roblox.com", CategoryGaming, "Roblox"},
	{"minecraft.net", CategoryGaming, "Minecraft"},

	{"google.co.in", CategorySearch, "Google Search"},
	{"google.com", CategorySearch, "Google Search"},
	{"bing.com", CategorySearch, "Bing Search"},
	{"duckduckgo.com", CategorySearch, "DuckDuckGo"},

	{"msftconnecttest.com", CategorySystem, "Microsoft Connectivity Test"},
	{"connectivitycheck.gstatic.com", CategorySystem, "Connectivity Check"},
	{"captive.apple.com", CategorySystem, "Apple Captive Portal Check"},
	{"pubsub.googleapis.com", CategorySystem, "Google Services"},
	{"play.googleapis.com", CategorySystem, "Google Play Store"},
	{"android.clients.google.com", CategorySystem, "Google Android Services"},
	{"windowsupdate.com", CategorySystem, "Windows Update"},
	{"ntp.org", CategorySystem, "NTP"},
}

// Classify lowercases hostname and returns the category and app name of the
// first matching table entry, or (general, "") if nothing matches.
func Classify(hostname string) (Category, string) {
	h := strings.ToLower(hostname)
	for _, e := range table {
		if strings.Contains(h, e.Substring) {
			return e.Category, e.App
		}
	}
	return CategoryGeneral, ""
}

// Categories lists every category in the closed set, for validation and UI
// enumeration purposes.
func Categories() []Category {
	return []Category{
		CategoryVideo, CategorySocial, CategoryMessaging, CategoryGaming,
		CategorySearch, CategorySystem, CategoryGeneral,
	}
}

// ValidCategory reports whether c is one of the closed set of categories.
func ValidCategory(c string) bool {
	for _, known := range Categories() {
		if string(known) == c {
			return true
		}
	}
	return false
}
