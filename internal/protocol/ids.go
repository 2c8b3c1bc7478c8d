package protocol

import (
	"regexp"
	"strings"
)

var (
	connectionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	userIDPattern       = regexp.MustCompile(`^[a-zA-Z0-9:_-]+$`)
	topicPattern        = regexp.MustCompile(`^[a-zA-Z0-9:_/-]+$`)
	namespacePattern    = regexp.MustCompile(`^[a-zA-Z0-9_/-]+$`)
	methodPattern       = regexp.MustCompile(`^[a-zA-Z0-9_-]+(\.[a-zA-Z0-9_-]+)*$`)
)

// ReservedPrefix starts every namespace owned by the proxy itself.
// Clients see it as "swindon.".
const ReservedPrefix = "swindon/"

// UsersNamespace is the reserved namespace of the users lattice.
const UsersNamespace Namespace = "swindon/user"

// Topic is a validated pub/sub address in server form ("a/b").
type Topic string

// ParseTopic validates a topic path.
func ParseTopic(s string) (Topic, error) {
	if !topicPattern.MatchString(s) {
		return "", Invalid("bad topic %q", s)
	}
	return Topic(s), nil
}

// Render returns the topic as delivered to clients ("a.b").
func (t Topic) Render() string {
	return strings.ReplaceAll(string(t), "/", ".")
}

// Namespace is a validated lattice namespace in server form.
type Namespace string

// ParseNamespace validates a namespace for the generic lattice path.
// Reserved namespaces are rejected; they are reachable only through their own API.
func ParseNamespace(s string) (Namespace, error) {
	if !namespacePattern.MatchString(s) {
		return "", Invalid("bad namespace %q", s)
	}
	ns := Namespace(s)
	if ns.Reserved() {
		return "", Invalid("namespace %q uses the reserved prefix", s)
	}
	return ns, nil
}

// Reserved reports whether the namespace belongs to the proxy.
func (n Namespace) Reserved() bool {
	return strings.HasPrefix(string(n), ReservedPrefix)
}

// Render returns the namespace as delivered to clients.
func (n Namespace) Render() string {
	return strings.ReplaceAll(string(n), "/", ".")
}

// ValidateConnectionID checks a public connection id.
func ValidateConnectionID(id string) error {
	if !connectionIDPattern.MatchString(id) {
		return Invalid("bad connection id %q", id)
	}
	return nil
}

// ValidateUserID checks a user id.
func ValidateUserID(id string) error {
	if !userIDPattern.MatchString(id) {
		return Invalid("bad user id %q", id)
	}
	return nil
}

// ValidateUserIDs checks every id of a list.
func ValidateUserIDs(ids []string) error {
	for _, id := range ids {
		if err := ValidateUserID(id); err != nil {
			return err
		}
	}
	return nil
}

// MethodPath converts a client method name ("chat.send") into a backend path ("/chat/send").
func MethodPath(method string) string {
	return "/" + strings.ReplaceAll(method, ".", "/")
}
