package feed

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// KeyPrefix namespaces every feed cache key
const KeyPrefix = "feed:"

// MatchesKey is the cache key of the current user's match list
const MatchesKey = "matches:all"

// PageParam is the filter carrying the 1-based page number
const PageParam = "page"

// Filters is the active discovery filter set. A key may carry several values.
type Filters map[string][]string

// FiltersFromMap builds single-valued Filters, e.g. from config
func FiltersFromMap(m map[string]string) Filters {
	f := make(Filters, len(m))
	for k, v := range m {
		f.Set(k, v)
	}
	return f
}

// Set replaces the values of key. Empty values remove it.
func (f Filters) Set(key string, values ...string) {
	kept := values[:0:0]
	for _, v := range values {
		if v != "" {
			kept = append(kept, v)
		}
	}
	if len(kept) == 0 {
		delete(f, key)
		return
	}
	f[key] = kept
}

// Get returns the first value of key
func (f Filters) Get(key string) string {
	if vs := f[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

// Clone returns a deep copy
func (f Filters) Clone() Filters {
	out := make(Filters, len(f))
	for k, vs := range f {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Page returns the page filter, 1 when absent or invalid
func (f Filters) Page() int {
	n, err := strconv.Atoi(f.Get(PageParam))
	if err != nil || n < 1 {
		return 1
	}
	return n
}

// WithPage returns a copy pointing at page n
func (f Filters) WithPage(n int) Filters {
	out := f.Clone()
	if n <= 1 {
		delete(out, PageParam)
		return out
	}
	out.Set(PageParam, strconv.Itoa(n))
	return out
}

// Values returns the filters as URL query values
func (f Filters) Values() url.Values {
	v := make(url.Values, len(f))
	for k, vs := range f {
		for _, s := range vs {
			if s != "" {
				v.Add(k, s)
			}
		}
	}
	return v
}

// Key returns the canonical cache key. Key order and value order do not
// matter, and page 1 is the same as no page.
func (f Filters) Key() string {
	names := make([]string, 0, len(f))
	for k, vs := range f {
		if k == "" || len(nonEmpty(vs)) == 0 {
			continue
		}
		if k == PageParam && f.Page() == 1 {
			continue
		}
		names = append(names, k)
	}
	if len(names) == 0 {
		return KeyPrefix + "all"
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(KeyPrefix)
	first := true
	for _, k := range names {
		vs := nonEmpty(f[k])
		sort.Strings(vs)
		for _, v := range vs {
			if !first {
				b.WriteByte('&')
			}
			first = false
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Base returns the filters without paging
func (f Filters) Base() Filters {
	return f.WithPage(1)
}

func nonEmpty(vs []string) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
