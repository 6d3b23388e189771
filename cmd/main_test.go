package main

import (
	"strings"
	"testing"
)

func TestAlertsListDescribesOrdering(t *testing.T) {
	list, _, err := alertsCmd().Find([]string{"list"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(list.Short, "newest first") {
		t.Errorf("alerts list help = %q, want it to say newest first", list.Short)
	}
}

func TestTripsListStatusFlag(t *testing.T) {
	list, _, err := tripsCmd().Find([]string{"list"})
	if err != nil {
		t.Fatal(err)
	}
	if list.Flags().Lookup("status") == nil {
		t.Error("trips list has no --status flag")
	}
}
