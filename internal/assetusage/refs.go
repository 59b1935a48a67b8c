// Package assetusage keeps the asset usage index consistent with
// widget instance configs. It scans a config document for account
// asset references and replaces the instance's usage rows in one
// atomic store call, so readers never observe a half-synced index.
package assetusage

import (
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Ref is one occurrence of an account asset inside a config document.
type Ref struct {
	AccountID  string
	AssetID    string
	PublicID   string
	ConfigPath string
}

func (r Ref) dedupKey() string {
	return r.AccountID + "|" + r.AssetID + "|" + r.PublicID + "|" + r.ConfigPath
}

// assetPathPattern matches served asset paths:
// /assets/o/{accountId}/{assetId}/(variant/)?{file}
var assetPathPattern = regexp.MustCompile(`^/assets/o/([^/]+)/([^/]+)/(?:[^/]+/)?[^/]+$`)

// cssURLPattern pulls the argument out of CSS url(...) values.
var cssURLPattern = regexp.MustCompile(`(?i)url\(\s*([^)]*?)\s*\)`)

var identKeyPattern = regexp.MustCompile(`^[a-zA-Z_$][a-zA-Z0-9_$]*$`)

func isCanonicalUUID(value string) bool {
	if len(value) != 36 {
		return false
	}
	_, err := uuid.Parse(value)
	return err == nil
}

// parseAssetPath extracts the account and asset ids from an absolute
// URL or an absolute path. Anything else does not reference an asset.
func parseAssetPath(raw string) (accountID, assetID string, ok bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return "", "", false
	}

	var pathname string
	lower := strings.ToLower(value)
	switch {
	case strings.HasPrefix(lower, "http://"), strings.HasPrefix(lower, "https://"):
		u, err := url.Parse(value)
		if err != nil {
			return "", "", false
		}
		pathname = u.Path
	case strings.HasPrefix(value, "/"):
		pathname = value
	default:
		return "", "", false
	}

	m := assetPathPattern.FindStringSubmatch(pathname)
	if m == nil {
		return "", "", false
	}
	acct, err := url.PathUnescape(m[1])
	if err != nil {
		return "", "", false
	}
	asset, err := url.PathUnescape(m[2])
	if err != nil {
		return "", "", false
	}
	acct, asset = strings.TrimSpace(acct), strings.TrimSpace(asset)
	if !isCanonicalUUID(acct) || !isCanonicalUUID(asset) {
		return "", "", false
	}
	return acct, asset, true
}

func stripQuotes(value string) string {
	if len(value) >= 2 {
		if (value[0] == '\'' && value[len(value)-1] == '\'') ||
			(value[0] == '"' && value[len(value)-1] == '"') {
			return value[1 : len(value)-1]
		}
	}
	return value
}

// refsInString finds asset references in one string value: the value
// itself plus every CSS url(...) argument embedded in it.
func refsInString(value string) [][2]string {
	var out [][2]string
	if acct, asset, ok := parseAssetPath(value); ok {
		out = append(out, [2]string{acct, asset})
	}
	for _, m := range cssURLPattern.FindAllStringSubmatch(value, -1) {
		arg := stripQuotes(strings.TrimSpace(m[1]))
		if acct, asset, ok := parseAssetPath(arg); ok {
			out = append(out, [2]string{acct, asset})
		}
	}
	return out
}

func childPath(parent, key string) string {
	if identKeyPattern.MatchString(key) {
		return parent + "." + key
	}
	return parent + "[" + strconv.Quote(key) + "]"
}

// ExtractRefs walks a decoded config document and returns every
// distinct asset reference with the dotted path where it was found.
// Paths are rooted at "config"; array elements use bracket indices.
func ExtractRefs(config any, publicID string) []Ref {
	seen := make(map[string]struct{})
	var out []Ref

	var visit func(node any, path string)
	visit = func(node any, path string) {
		switch v := node.(type) {
		case string:
			for _, pair := range refsInString(v) {
				ref := Ref{
					AccountID:  pair[0],
					AssetID:    pair[1],
					PublicID:   publicID,
					ConfigPath: path,
				}
				if _, dup := seen[ref.dedupKey()]; dup {
					continue
				}
				seen[ref.dedupKey()] = struct{}{}
				out = append(out, ref)
			}
		case []any:
			for i, item := range v {
				visit(item, path+"["+strconv.Itoa(i)+"]")
			}
		case map[string]any:
			keys := make([]string, 0, len(v))
			for k := range v {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				visit(v[k], childPath(path, k))
			}
		}
	}

	visit(config, "config")
	return out
}
