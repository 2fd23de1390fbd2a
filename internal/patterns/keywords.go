package patterns

import (
	"sort"
	"strings"
	"unicode"

	"github.com/Kylin-StarOps-Team/StarOps/internal/models"
)

// stopwords are tokens too common in log text to carry signal.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "this": {}, "that": {},
	"from": {}, "have": {}, "has": {}, "was": {}, "are": {}, "not": {},
	"but": {}, "can": {}, "could": {}, "will": {}, "would": {}, "into": {},
	"when": {}, "while": {}, "after": {}, "before": {}, "during": {},
	"too": {}, "out": {}, "off": {}, "per": {}, "via": {}, "any": {}, "all": {},
	"info": {}, "debug": {}, "trace": {}, "log": {}, "logs": {},
	"message": {}, "msg": {}, "level": {}, "time": {}, "date": {},
}

// lexiconWeight ranks tokens known to indicate trouble above generic words
// when supports tie. Unlisted tokens weigh zero.
var lexiconWeight = map[string]int{
	"panic": 3, "fatal": 3, "oom": 3, "segfault": 3, "corrupt": 3,
	"corrupted": 3, "deadlock": 3, "crash": 3, "crashed": 3,
	"error": 2, "err": 2, "fail": 2, "failed": 2, "failure": 2,
	"exception": 2, "timeout": 2, "refused": 2, "denied": 2,
	"unavailable": 2, "unreachable": 2, "rejected": 2, "aborted": 2,
	"warn": 1, "warning": 1, "slow": 1, "retry": 1, "retries": 1,
	"degraded": 1, "throttled": 1, "saturated": 1, "exceeded": 1,
}

// mineKeywords extracts the top-n tokens from the cluster's log excerpts,
// ranked by support, then lexicon weight, then token. Tokens shorter than
// three characters and stopwords are dropped.
func mineKeywords(events []models.AnomalyEvent, topN int) []models.KeywordStat {
	if topN < 1 {
		return nil
	}

	support := make(map[string]int)
	for _, ev := range events {
		seen := make(map[string]struct{})
		for _, token := range tokenize(ev.LogExcerpt) {
			if _, dup := seen[token]; dup {
				continue
			}
			seen[token] = struct{}{}
			support[token]++
		}
	}
	if len(support) == 0 {
		return nil
	}

	stats := make([]models.KeywordStat, 0, len(support))
	for token, count := range support {
		stats = append(stats, models.KeywordStat{Token: token, Support: count})
	}
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Support != stats[j].Support {
			return stats[i].Support > stats[j].Support
		}
		wi, wj := lexiconWeight[stats[i].Token], lexiconWeight[stats[j].Token]
		if wi != wj {
			return wi > wj
		}
		return stats[i].Token < stats[j].Token
	})
	if len(stats) > topN {
		stats = stats[:topN]
	}
	return stats
}

// tokenize lowercases the text and splits on anything that is not a letter,
// digit, or underscore. Numeric codes such as status 503 survive.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
