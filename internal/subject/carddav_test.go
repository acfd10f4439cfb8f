package subject

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/emersion/go-vcard"
	"github.com/emersion/go-webdav/carddav"
)

// fakeQuerier scripts CardDAV responses for resolver tests.
type fakeQuerier struct {
	objs    []carddav.AddressObject
	err     error
	queries int
}

func (f *fakeQuerier) QueryAddressBook(_ context.Context, _ string, _ *carddav.AddressBookQuery) ([]carddav.AddressObject, error) {
	f.queries++
	return f.objs, f.err
}

func contactCard(uid, name string) vcard.Card {
	card := vcard.Card{}
	card.SetValue(vcard.FieldUID, uid)
	card.SetValue(vcard.FieldFormattedName, name)
	return card
}

func testResolver(q addressBookQuerier, fallback Resolver) *CardDAVResolver {
	return &CardDAVResolver{
		client:      q,
		addressBook: "/contacts/default/",
		fallback:    fallback,
		logger:      slog.Default(),
	}
}

func TestCardDAVResolveHit(t *testing.T) {
	q := &fakeQuerier{objs: []carddav.AddressObject{
		{Path: "/contacts/default/jane.vcf", Card: contactCard("uid-1234", "Jane Doe")},
	}}
	r := testResolver(q, NewPhoneResolver(nil))

	metadata := map[string]any{"phone": "(415) 555-0100"}
	got, err := r.Resolve(context.Background(), metadata)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != "crm_uid-1234" {
		t.Errorf("Resolve() = %q, want %q", got, "crm_uid-1234")
	}

	profile, ok := metadata["profile"].(map[string]string)
	if !ok {
		t.Fatalf("metadata[profile] = %T, want map[string]string", metadata["profile"])
	}
	if profile["name"] != "Jane Doe" || profile["uid"] != "uid-1234" {
		t.Errorf("profile = %v, want name and uid populated", profile)
	}
}

func TestCardDAVResolveLookupErrorFallsBack(t *testing.T) {
	q := &fakeQuerier{err: errors.New("dav server unreachable")}
	r := testResolver(q, NewPhoneResolver(nil))

	got, err := r.Resolve(context.Background(), map[string]any{"phone": "4155550100"})
	if err != nil {
		t.Fatalf("Resolve() error: %v, want phone fallback to succeed", err)
	}
	if got != "phone_+14155550100" {
		t.Errorf("Resolve() = %q, want phone fallback ID", got)
	}
}

func TestCardDAVResolveNoMatchFallsBack(t *testing.T) {
	q := &fakeQuerier{}
	r := testResolver(q, NewPhoneResolver(nil))

	got, err := r.Resolve(context.Background(), map[string]any{"phone": "4155550100"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != "phone_+14155550100" {
		t.Errorf("Resolve() = %q, want phone fallback ID", got)
	}
}

func TestCardDAVResolveFallbackDisabled(t *testing.T) {
	q := &fakeQuerier{err: errors.New("dav server unreachable")}
	r := testResolver(q, nil)

	_, err := r.Resolve(context.Background(), map[string]any{"phone": "4155550100"})
	var resErr *ResolutionError
	if !errors.As(err, &resErr) {
		t.Errorf("Resolve() error = %v, want *ResolutionError with fallback disabled", err)
	}
}

func TestCardDAVResolveMissingUIDFallsBack(t *testing.T) {
	card := vcard.Card{}
	card.SetValue(vcard.FieldFormattedName, "No UID")
	q := &fakeQuerier{objs: []carddav.AddressObject{{Path: "/c/x.vcf", Card: card}}}
	r := testResolver(q, NewPhoneResolver(nil))

	got, err := r.Resolve(context.Background(), map[string]any{"phone": "4155550100"})
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if got != "phone_+14155550100" {
		t.Errorf("Resolve() = %q, want phone fallback when contact lacks UID", got)
	}
}

func TestMatchFragment(t *testing.T) {
	tests := []struct {
		normalized string
		want       string
	}{
		{"+14155550100", "5550100"},
		{"+442079460958", "9460958"},
		{"+5550100", "5550100"},
	}
	for _, tt := range tests {
		if got := matchFragment(tt.normalized); got != tt.want {
			t.Errorf("matchFragment(%q) = %q, want %q", tt.normalized, got, tt.want)
		}
	}
}
