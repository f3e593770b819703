package locator

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// EpisodeHint narrows series selection to one season/episode.
type EpisodeHint struct {
	Season  int
	Episode int
}

var videoExtensions = map[string]bool{
	".mp4": true, ".mkv": true, ".avi": true, ".mov": true, ".wmv": true,
	".flv": true, ".webm": true, ".m4v": true, ".mpg": true, ".mpeg": true,
	".3gp": true, ".ogv": true, ".ts": true, ".m2ts": true,
}

// Junk that matches the title substring but is never the feature.
var nameBlacklist = []string{
	"sample", "trailer", "extras", "featurette", "behind.the.scenes", "proof",
}

var (
	reSxxEyy  = regexp.MustCompile(`(?i)s(\d{1,2})[\s._-]?e(\d{1,3})`)
	reCrossSE = regexp.MustCompile(`(?i)\b(\d{1,2})x(\d{2,3})\b`)

	re7z        = regexp.MustCompile(`(?i)(\.7z$|\.7z\.\d+$)`)
	reRar       = regexp.MustCompile(`(?i)(\.rar$|\.r\d+$|\.part\d+\.rar$)`)
)

// IsVideoFile reports whether a filename has a streamable media extension.
func IsVideoFile(name string) bool {
	return videoExtensions[strings.ToLower(filepath.Ext(name))]
}

// IsBlacklisted reports whether a filename is a sample/extra/trailer.
func IsBlacklisted(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range nameBlacklist {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Is7zArchive matches .7z and split .7z.NNN names.
func Is7zArchive(name string) bool {
	return re7z.MatchString(name)
}

// IsRarArchive matches .rar, .rNN and .partNN.rar names.
func IsRarArchive(name string) bool {
	return reRar.MatchString(name)
}

// ParseEpisode extracts season/episode numbering from a release or file
// name. Understands S01E02 and 1x02 forms.
func ParseEpisode(name string) (season, episode int, ok bool) {
	if m := reSxxEyy.FindStringSubmatch(name); m != nil {
		season, _ = strconv.Atoi(m[1])
		episode, _ = strconv.Atoi(m[2])
		return season, episode, true
	}
	if m := reCrossSE.FindStringSubmatch(name); m != nil {
		season, _ = strconv.Atoi(m[1])
		episode, _ = strconv.Atoi(m[2])
		return season, episode, true
	}
	return 0, 0, false
}

// matchesHint reports whether a filename parses to exactly the hinted
// season/episode.
func matchesHint(name string, hint *EpisodeHint) bool {
	if hint == nil {
		return false
	}
	s, e, ok := ParseEpisode(name)
	return ok && s == hint.Season && e == hint.Episode
}

// normalizeTitle lowercases and collapses separator characters so that
// "Some.Show.S01" matches "some show s01".
func normalizeTitle(s string) string {
	s = strings.ToLower(s)
	replacer := strings.NewReplacer(".", " ", "_", " ", "-", " ")
	return strings.Join(strings.Fields(replacer.Replace(s)), " ")
}

// titleMatches is a forgiving substring check between a job title and a
// listed path or name.
func titleMatches(candidate, title string) bool {
	return strings.Contains(normalizeTitle(candidate), normalizeTitle(title))
}
