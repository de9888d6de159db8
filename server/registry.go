package server

import (
	"sort"

	"github.com/luma/hermes/transport"
)

// Registry maps usernames to the live connection authenticated as them. It
// is owned by the loop goroutine and never locked.
type Registry struct {
	sessions map[string]*transport.Conn
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*transport.Conn)}
}

// Add binds c to username. It returns false, and changes nothing, when
// another connection already holds the name. A connection that switches
// users gives up its previous slot.
func (r *Registry) Add(username string, c *transport.Conn) bool {
	if held, ok := r.sessions[username]; ok && held != c {
		return false
	}

	if prev := c.User(); prev != "" && prev != username && r.sessions[prev] == c {
		delete(r.sessions, prev)
	}

	r.sessions[username] = c
	c.SetUser(username)

	return true
}

// Remove forgets c if it holds a slot.
func (r *Registry) Remove(c *transport.Conn) {
	if u := c.User(); u != "" && r.sessions[u] == c {
		delete(r.sessions, u)
	}
	c.SetUser("")
}

// Drop forgets whichever connection holds username.
func (r *Registry) Drop(username string) {
	if c, ok := r.sessions[username]; ok {
		delete(r.sessions, username)
		c.SetUser("")
	}
}

func (r *Registry) Lookup(username string) (*transport.Conn, bool) {
	c, ok := r.sessions[username]
	return c, ok
}

// Others returns every live connection except the one for username, ordered
// by username.
func (r *Registry) Others(username string) []*transport.Conn {
	names := r.Usernames()

	out := make([]*transport.Conn, 0, len(names))
	for _, name := range names {
		if name != username {
			out = append(out, r.sessions[name])
		}
	}

	return out
}

func (r *Registry) Usernames() []string {
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

func (r *Registry) Len() int {
	return len(r.sessions)
}
