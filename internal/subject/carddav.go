package subject

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/carddav"
)

// CardDAVConfig holds connection settings for a CardDAV address book
// used as the external CRM profile source.
type CardDAVConfig struct {
	Endpoint    string `yaml:"endpoint"`     // e.g. https://dav.example.com
	AddressBook string `yaml:"address_book"` // address book collection path
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	// DisableFallback turns off the phone-based fallback. Leave false
	// in production: a CRM outage must not stop conversations.
	DisableFallback bool `yaml:"disable_fallback"`
}

// addressBookQuerier is the slice of the CardDAV client the resolver
// uses. An interface keeps the resolver testable without a DAV server.
type addressBookQuerier interface {
	QueryAddressBook(ctx context.Context, path string, query *carddav.AddressBookQuery) ([]carddav.AddressObject, error)
}

// CardDAVResolver resolves subjects against a CardDAV address book by
// phone number. A matching contact yields a "crm_<uid>" subject ID and
// deposits a profile map into the metadata for downstream context
// enrichment. Lookup failures, missing matches, and misconfiguration
// all fall back to phone-based resolution unless fallback is disabled.
type CardDAVResolver struct {
	client      addressBookQuerier
	addressBook string
	fallback    Resolver
	logger      *slog.Logger
}

// NewCardDAVResolver builds a CRM resolver from configuration. The
// fallback is wired by default; it is only omitted when the config
// explicitly disables it.
func NewCardDAVResolver(cfg CardDAVConfig, logger *slog.Logger) (*CardDAVResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := webdav.HTTPClient(http.DefaultClient)
	if cfg.Username != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(http.DefaultClient, cfg.Username, cfg.Password)
	}

	client, err := carddav.NewClient(httpClient, cfg.Endpoint)
	if err != nil {
		return nil, err
	}

	r := &CardDAVResolver{
		client:      client,
		addressBook: cfg.AddressBook,
		logger:      logger,
	}
	if !cfg.DisableFallback {
		r.fallback = NewPhoneResolver(logger)
	}
	return r, nil
}

// Resolve looks the caller up in the address book. On a hit the
// returned ID is stable across every channel the contact uses
// ("crm_<uid>"), and the contact's name and UID are written into
// metadata under "profile" so the orchestrator can enrich the
// customer context.
func (r *CardDAVResolver) Resolve(ctx context.Context, metadata map[string]any) (string, error) {
	raw, ok := firstPhoneValue(metadata)
	if !ok {
		return r.fallbackResolve(ctx, metadata, "no phone field for CRM lookup")
	}
	phone := NormalizePhone(raw)

	query := &carddav.AddressBookQuery{
		DataRequest: carddav.AddressDataRequest{
			Props: []string{vcard.FieldUID, vcard.FieldFormattedName, vcard.FieldTelephone},
		},
		PropFilters: []carddav.PropFilter{{
			Name: vcard.FieldTelephone,
			TextMatches: []carddav.TextMatch{{
				Text:      matchFragment(phone),
				MatchType: carddav.MatchContains,
			}},
		}},
		Limit: 1,
	}

	objs, err := r.client.QueryAddressBook(ctx, r.addressBook, query)
	if err != nil {
		r.logger.Warn("carddav lookup failed, falling back", "error", err)
		return r.fallbackResolve(ctx, metadata, "carddav lookup failed")
	}
	if len(objs) == 0 {
		return r.fallbackResolve(ctx, metadata, "no CRM contact for phone")
	}

	card := objs[0].Card
	uid := card.Value(vcard.FieldUID)
	if uid == "" {
		r.logger.Warn("carddav contact missing UID, falling back", "path", objs[0].Path)
		return r.fallbackResolve(ctx, metadata, "CRM contact has no UID")
	}

	if metadata != nil {
		profile := map[string]string{"uid": uid}
		if name := card.PreferredValue(vcard.FieldFormattedName); name != "" {
			profile["name"] = name
		}
		metadata["profile"] = profile
	}

	return "crm_" + uid, nil
}

// fallbackResolve delegates to the phone resolver, or surfaces a
// ResolutionError when fallback is disabled.
func (r *CardDAVResolver) fallbackResolve(ctx context.Context, metadata map[string]any, reason string) (string, error) {
	if r.fallback == nil {
		return "", &ResolutionError{Reason: reason + " (fallback disabled)"}
	}
	return r.fallback.Resolve(ctx, metadata)
}

// matchFragment strips the "+" and country code so the contains match
// tolerates whatever formatting the address book stores. The national
// significant digits are the stable part.
func matchFragment(normalized string) string {
	d := strings.TrimPrefix(normalized, "+")
	d = strings.TrimPrefix(d, "1")
	if len(d) > 7 {
		return d[len(d)-7:]
	}
	return d
}
