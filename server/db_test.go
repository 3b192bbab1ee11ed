package server

import (
	"reflect"
	"testing"
	"time"

	"github.com/radarchive/teachcase/cases"
)

// exerciseMetadataStore runs the common battery every document store must
// pass: upsert, lookup, update in place, and listing. The store should be
// empty when passed in.
func exerciseMetadataStore(t *testing.T, ms cases.MetadataStore) {
	t.Helper()

	if _, err := ms.GetCase("missing"); err != cases.ErrNotFound {
		t.Errorf("GetCase(missing): got %v, want ErrNotFound", err)
	}

	c := &cases.Case{
		ID:        "case-1",
		Title:     "Chest CT",
		Modality:  "CT",
		Tags:      []string{"chest", "vascular"},
		ImageIDs:  []string{"1.2.3"},
		Series:    []cases.Series{{ID: "9.1", Number: 1, Description: "AXIAL", Modality: "CT", ImageIDs: []string{"1.2.3"}}},
		CreatedAt: time.Date(2026, 2, 14, 8, 30, 0, 0, time.UTC),
	}
	if err := ms.PutCase(c); err != nil {
		t.Fatalf("PutCase: %v", err)
	}
	got, err := ms.GetCase("case-1")
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if !reflect.DeepEqual(got, c) {
		t.Errorf("document round trip:\n got %+v\nwant %+v", got, c)
	}

	// a second put under the same id replaces the whole document
	c.ImageIDs = append(c.ImageIDs, "1.2.4")
	c.Diagnosis = "Pulmonary embolism"
	if err := ms.PutCase(c); err != nil {
		t.Fatalf("PutCase update: %v", err)
	}
	got, err = ms.GetCase("case-1")
	if err != nil {
		t.Fatalf("GetCase after update: %v", err)
	}
	if len(got.ImageIDs) != 2 || got.Diagnosis != "Pulmonary embolism" {
		t.Errorf("update not stored: %+v", got)
	}

	if err := ms.PutCase(&cases.Case{ID: "case-2", Title: "Left wrist", CreatedAt: c.CreatedAt}); err != nil {
		t.Fatalf("PutCase: %v", err)
	}
	all, err := ms.AllCases()
	if err != nil {
		t.Fatalf("AllCases: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("listed %d cases, want 2", len(all))
	}
	seen := make(map[string]bool)
	for _, c := range all {
		seen[c.ID] = true
	}
	if !seen["case-1"] || !seen["case-2"] {
		t.Errorf("listing missed a case: %v", seen)
	}
}

// exerciseVerifyLog runs the battery for stores that also keep the
// verification history. It only counts growth, so it can be run against a
// log that already has records in it.
func exerciseVerifyLog(t *testing.T, vl VerifyLog) {
	t.Helper()

	before, err := vl.Verifications("case-1")
	if err != nil {
		t.Fatalf("Verifications: %v", err)
	}

	base := time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC)
	for i, rec := range []VerificationRecord{
		{CaseID: "case-1", When: base, Status: "ok"},
		{CaseID: "case-1", When: base.Add(time.Hour), Status: "damaged", Notes: `{"missing":["1.2.3"]}`},
		{CaseID: "case-2", When: base, Status: "ok"},
	} {
		if err := vl.AppendVerification(rec); err != nil {
			t.Fatalf("AppendVerification %d: %v", i, err)
		}
	}

	recs, err := vl.Verifications("case-1")
	if err != nil {
		t.Fatalf("Verifications: %v", err)
	}
	// only case-1's two records land here, not case-2's
	if len(recs) != len(before)+2 {
		t.Fatalf("got %d records, want %d", len(recs), len(before)+2)
	}
	// newest first
	for i := 1; i < len(recs); i++ {
		if recs[i-1].When.Before(recs[i].When) {
			t.Errorf("order wrong at %d: %v before %v", i, recs[i-1].When, recs[i].When)
		}
	}
	if recs[0].Status != "damaged" {
		t.Errorf("newest record %+v, want the damaged one", recs[0])
	}
	if recs[0].Notes == "" {
		t.Errorf("notes dropped: %+v", recs[0])
	}
}
