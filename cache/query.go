package cache

import (
	"net/url"
)

// Query identifies a read operation by name and arguments.
type Query struct {
	Name string
	Args map[string]string
}

// NewQuery builds a Query from alternating key/value arguments.
// A trailing key without value is ignored.
func NewQuery(name string, kv ...string) Query {
	q := Query{Name: name}
	if len(kv) >= 2 {
		q.Args = make(map[string]string, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			q.Args[kv[i]] = kv[i+1]
		}
	}
	return q
}

// Arg returns the argument named key.
func (q Query) Arg(key string) string {
	return q.Args[key]
}

// Signature is the deterministic encoding of the query: the escaped name
// followed by its arguments sorted by key. Two queries share a signature only
// if their names and arguments are equal.
func (q Query) Signature() string {
	name := url.QueryEscape(q.Name)
	if len(q.Args) == 0 {
		return name
	}
	values := make(url.Values, len(q.Args))
	for k, v := range q.Args {
		values.Set(k, v)
	}
	return name + "?" + values.Encode()
}
