package scraper

import (
	"math/rand/v2"
	"sync"
)

var DefaultUserAgents = []string{
	"Mozilla/5.0 (iPhone; CPU iPhone OS 14_7_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPad; CPU OS 14_7_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/14.1.2 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 14_7_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) CriOS/92.0.4515.90 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (Linux; Android 11; SM-G991B) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.159 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 11; SM-G991U) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/92.0.4515.159 Mobile Safari/537.36",
}

// UserAgents hands out user agents at random, never the same one twice in a
// row.
type UserAgents struct {
	mu   sync.Mutex
	list []string
	last int
}

func NewUserAgents(list []string) *UserAgents {
	if len(list) == 0 {
		list = DefaultUserAgents
	}
	return &UserAgents{list: list, last: -1}
}

func (u *UserAgents) Next() string {
	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.list) == 1 {
		return u.list[0]
	}
	i := rand.IntN(len(u.list))
	if i == u.last {
		// shift by 1..n-1 so every other entry stays equally likely
		i = (i + 1 + rand.IntN(len(u.list)-1)) % len(u.list)
	}
	u.last = i
	return u.list[i]
}
