package domain

import "testing"

func TestParseIntegration(t *testing.T) {
	cases := map[string]Integration{
		"google_calendar":   IntegrationCalendar,
		" Google_Contacts ": IntegrationContacts,
	}
	for in, want := range cases {
		got, err := ParseIntegration(in)
		if err != nil {
			t.Fatalf("ParseIntegration(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseIntegration(%q) = %q, want %q", in, got, want)
		}
	}
	if _, err := ParseIntegration("outlook"); err == nil {
		t.Fatalf("expected error for unknown integration")
	}
}

func TestAllIntegrations_AreValidAndClassified(t *testing.T) {
	push := 0
	for _, i := range AllIntegrations {
		if !i.Valid() {
			t.Fatalf("%q reported invalid", i)
		}
		if _, err := ParseIntegration(string(i)); err != nil {
			t.Fatalf("%q does not round-trip: %v", i, err)
		}
		if i.SupportsPush() {
			push++
		}
	}
	if push != 1 {
		t.Fatalf("expected exactly one push-capable integration, got %d", push)
	}
	if Integration("nope").Valid() || Integration("nope").SupportsPush() {
		t.Fatalf("unknown integration must be invalid and not push-capable")
	}
}

func TestDisplayName(t *testing.T) {
	if got := IntegrationCalendar.DisplayName(); got != "Google Calendar" {
		t.Fatalf("DisplayName = %q", got)
	}
}

func TestPairKey_String(t *testing.T) {
	k := PairKey{UserID: "u1", Integration: IntegrationContacts}
	if k.String() != "u1:google_contacts" {
		t.Fatalf("unexpected key %q", k.String())
	}
	if SyncDedupeKey(k) != "sync:u1:google_contacts" {
		t.Fatalf("unexpected dedupe key %q", SyncDedupeKey(k))
	}
}
