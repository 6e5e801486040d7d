package appservice

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bridgemux/bridgemux/pkg/errors"
	"github.com/bridgemux/bridgemux/pkg/store"
)

// maxBodyDepth bounds JSON traversal during username scans and rewrites.
// Bodies nested deeper than this are rejected as bad requests.
const maxBodyDepth = 64

// Direction selects which way a username translation goes.
type Direction int

const (
	// ToEncoded turns a plain username into the namespaced per-bridge form.
	ToEncoded Direction = iota
	// ToPlain strips the namespace and bridge infix back off.
	ToPlain
)

// EncodedUser is a parsed namespaced username of the form
// @<namespace><service>_<orchestrator_id>__<local>:<homeserver>.
type EncodedUser struct {
	Service        string
	OrchestratorID string
	Local          string
	Homeserver     string
}

// Translator converts between plain Matrix usernames and the encoded
// per-bridge form owned by the multiplexer's AS namespace.
type Translator struct {
	namespace string

	encoded *regexp.Regexp
	plain   *regexp.Regexp
	inPath  *regexp.Regexp
	mention *regexp.Regexp
}

// NewTranslator builds a translator for the given username namespace,
// e.g. "_bridge_manager__".
func NewTranslator(namespace string) *Translator {
	ns := regexp.QuoteMeta(namespace)
	encodedPattern := `@` + ns +
		`(?P<bridge_service>[^_]+)_(?P<bridge_id>[^_]+)__(?P<bridge_username>[^:]+):(?P<homeserver>[^\s/]+)`

	return &Translator{
		namespace: namespace,
		encoded:   regexp.MustCompile(`^` + encodedPattern),
		plain:     regexp.MustCompile(`^@(?P<username>[^:]+):(?P<homeserver>[^\s/]+)`),
		inPath:    regexp.MustCompile(`.*/` + encodedPattern),
		mention:   regexp.MustCompile(`https://matrix\.to/#/(@` + ns + `[^"'>]+)`),
	}
}

// Namespace returns the username prefix this translator owns, without
// the leading @.
func (t *Translator) Namespace() string {
	return t.namespace
}

// UserPrefix returns "@<namespace>", the prefix every encoded username
// starts with.
func (t *Translator) UserPrefix() string {
	return "@" + t.namespace
}

// Parse parses an encoded username. Returns false when the string is
// not in the encoded form.
func (t *Translator) Parse(s string) (*EncodedUser, bool) {
	m := t.encoded.FindStringSubmatch(s)
	if m == nil {
		return nil, false
	}
	return &EncodedUser{
		Service:        m[t.encoded.SubexpIndex("bridge_service")],
		OrchestratorID: m[t.encoded.SubexpIndex("bridge_id")],
		Local:          m[t.encoded.SubexpIndex("bridge_username")],
		Homeserver:     m[t.encoded.SubexpIndex("homeserver")],
	}, true
}

// ParseInPath finds an encoded username anywhere in a request path.
func (t *Translator) ParseInPath(path string) (*EncodedUser, bool) {
	m := t.inPath.FindStringSubmatch(path)
	if m == nil {
		return nil, false
	}
	return &EncodedUser{
		Service:        m[t.inPath.SubexpIndex("bridge_service")],
		OrchestratorID: m[t.inPath.SubexpIndex("bridge_id")],
		Local:          m[t.inPath.SubexpIndex("bridge_username")],
		Homeserver:     m[t.inPath.SubexpIndex("homeserver")],
	}, true
}

// Encode turns a plain username into the encoded form for a bridge:
// @local:hs -> @<namespace><service>_<orchestrator_id>__local:hs.
func (t *Translator) Encode(username string, b *store.Bridge) (string, error) {
	if _, ok := t.Parse(username); ok {
		return username, nil
	}
	m := t.plain.FindStringSubmatch(username)
	if m == nil {
		return "", errors.Newf(errors.KindBadRequest, "not a matrix username: %q", username)
	}
	local := m[t.plain.SubexpIndex("username")]
	hs := m[t.plain.SubexpIndex("homeserver")]
	return fmt.Sprintf("@%s%s__%s:%s", t.namespace, b.UserPrefix(), local, hs), nil
}

// Decode strips the namespace and bridge infix off an encoded username:
// @<namespace><service>_<id>__local:hs -> @local:hs.
func (t *Translator) Decode(username string) (string, error) {
	u, ok := t.Parse(username)
	if !ok {
		return "", errors.Newf(errors.KindBadRequest, "not an encoded username: %q", username)
	}
	return fmt.Sprintf("@%s:%s", u.Local, u.Homeserver), nil
}

// Translate converts a username in the given direction. Inputs already
// in the target form pass through unchanged.
func (t *Translator) Translate(username string, dir Direction, b *store.Bridge) (string, error) {
	switch dir {
	case ToEncoded:
		return t.Encode(username, b)
	case ToPlain:
		if _, ok := t.Parse(username); !ok {
			return username, nil
		}
		return t.Decode(username)
	}
	return "", errors.Newf(errors.KindInternal, "unknown translation direction %d", dir)
}

// FindEncoded searches a decoded JSON body for the first encoded
// username, depth first.
func (t *Translator) FindEncoded(body any) (string, bool, error) {
	return t.findString(body, 0, func(s string) bool {
		_, ok := t.Parse(s)
		return ok
	})
}

// FindPlain searches a decoded JSON body for the first string shaped
// like a Matrix username, encoded or not.
func (t *Translator) FindPlain(body any) (string, bool, error) {
	return t.findString(body, 0, func(s string) bool {
		return t.plain.MatchString(s)
	})
}

// FindNamespaced collects every namespace-prefixed username reachable in
// a decoded JSON value, including matrix.to mention URLs embedded in
// string fields. Order follows traversal order with duplicates removed.
func (t *Translator) FindNamespaced(body any) ([]string, error) {
	var found []string
	seen := make(map[string]bool)
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			found = append(found, s)
		}
	}

	err := t.walkStrings(body, 0, func(s string) {
		if strings.HasPrefix(s, t.UserPrefix()) {
			add(s)
		}
		for _, m := range t.mention.FindAllStringSubmatch(s, -1) {
			add(m[1])
		}
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// RewriteBody walks a decoded JSON body and translates every username
// string in the given direction, preserving the body's shape. The input
// is not modified.
func (t *Translator) RewriteBody(body any, dir Direction, b *store.Bridge) (any, error) {
	return t.rewrite(body, 0, dir, b)
}

func (t *Translator) rewrite(v any, depth int, dir Direction, b *store.Bridge) (any, error) {
	if depth > maxBodyDepth {
		return nil, errors.New(errors.KindBadRequest, "request body nested too deeply")
	}

	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rewritten, err := t.rewrite(item, depth+1, dir, b)
			if err != nil {
				return nil, err
			}
			out[k] = rewritten
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rewritten, err := t.rewrite(item, depth+1, dir, b)
			if err != nil {
				return nil, err
			}
			out[i] = rewritten
		}
		return out, nil
	case string:
		if t.isUsername(val) {
			translated, err := t.Translate(val, dir, b)
			if err == nil {
				return translated, nil
			}
		}
		return val, nil
	default:
		return v, nil
	}
}

func (t *Translator) isUsername(s string) bool {
	if _, ok := t.Parse(s); ok {
		return true
	}
	return t.plain.MatchString(s)
}

func (t *Translator) findString(v any, depth int, match func(string) bool) (string, bool, error) {
	var result string
	found := false
	err := t.walkStrings(v, depth, func(s string) {
		if !found && match(s) {
			result = s
			found = true
		}
	})
	if err != nil {
		return "", false, err
	}
	return result, found, nil
}

func (t *Translator) walkStrings(v any, depth int, visit func(string)) error {
	if depth > maxBodyDepth {
		return errors.New(errors.KindBadRequest, "request body nested too deeply")
	}

	switch val := v.(type) {
	case map[string]any:
		for _, item := range val {
			if err := t.walkStrings(item, depth+1, visit); err != nil {
				return err
			}
		}
	case []any:
		for _, item := range val {
			if err := t.walkStrings(item, depth+1, visit); err != nil {
				return err
			}
		}
	case string:
		visit(val)
	}
	return nil
}
