package datastore

import (
	"fmt"
	"net/url"

	"github.com/sirupsen/logrus"
)

// Provider for datastore extensions
type Provider interface {
	fmt.Stringer
	// Supports indicates if this provider can handle a specific URL scheme
	Supports(u *url.URL) bool
	// New creates a new datastore from a given URL
	New(u *url.URL) (Datastore, error)
}

var providers []Provider

// AddProvider registers a new global datastore provider
func AddProvider(p Provider) {
	providers = append(providers, p)
}

// New will parse the URL and return the correct datastore implementation.
func New(dbURL string) (Datastore, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{"url": dbURL}).Fatal("bad DB URL")
	}
	logrus.WithFields(logrus.Fields{"db": u.Scheme}).Debug("selecting datastore")
	for _, p := range providers {
		if p.Supports(u) {
			return p.New(u)
		}
	}
	return nil, fmt.Errorf("datastore type not supported %v", u.Scheme)
}
