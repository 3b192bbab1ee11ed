package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	raven "github.com/getsentry/raven-go"
	"github.com/julienschmidt/httprouter"

	"github.com/radarchive/teachcase/cases"
	"github.com/radarchive/teachcase/util"
)

// A VerificationRecord is one logged verification outcome for a case.
type VerificationRecord struct {
	CaseID string    `json:"caseId"`
	When   time.Time `json:"when"`
	Status string    `json:"status"` // one of "ok", "damaged", "error"
	Notes  string    `json:"notes,omitempty"`
}

// A VerifyLog keeps the history of verification outcomes. The QL and
// MySQL metadata stores double as the log. With any other store there is
// no log, and outcomes appear only in the process log.
type VerifyLog interface {
	AppendVerification(rec VerificationRecord) error

	// Verifications returns the recorded outcomes for one case, newest
	// first.
	Verifications(caseID string) ([]VerificationRecord, error)
}

// how many cases are verified at once during a sweep
const verifyConcurrency = 2

// verifyLoop sweeps the whole archive, pausing VerifyInterval between
// passes, until the server is stopped.
func (s *RESTServer) verifyLoop() {
	gate := util.NewGate(verifyConcurrency)
	go func() {
		<-s.verifystop
		gate.Stop()
	}()
	for {
		s.verifyPass(gate)
		select {
		case <-time.After(s.VerifyInterval):
		case <-s.verifystop:
			return
		}
	}
}

// verifyPass verifies every case once, a few at a time. Stopping the
// gate makes the pass return early.
func (s *RESTServer) verifyPass(gate *util.Gate) {
	all, err := s.archive.List()
	if err != nil {
		log.Println("verify sweep:", err)
		return
	}
	var wg sync.WaitGroup
	for _, c := range all {
		if !gate.Enter() {
			break
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer gate.Leave()
			s.runVerify(id)
		}(c.ID)
	}
	wg.Wait()
}

// runVerify verifies one case, counts the outcome, and appends it to the
// verification log when there is one. Verification only reads the stores;
// damage is reported, never repaired here.
func (s *RESTServer) runVerify(id string) (*cases.VerifyReport, error) {
	report, err := s.archive.Verify(id)
	verifyCount.Inc()
	rec := VerificationRecord{CaseID: id, When: time.Now().UTC()}
	switch {
	case err != nil:
		rec.Status = "error"
		rec.Notes = err.Error()
		log.Println("verify", id, err)
	case report.Healthy():
		rec.Status = "ok"
	default:
		rec.Status = "damaged"
		notes, _ := json.Marshal(report)
		rec.Notes = string(notes)
		verifyProblemCount.Inc()
		log.Println("verify", id, "damaged:", rec.Notes)
		raven.CaptureMessage("case damaged", map[string]string{"CaseID": id})
	}
	if s.VerifyLog != nil {
		logerr := s.VerifyLog.AppendVerification(rec)
		if logerr != nil {
			log.Println("verify log:", logerr)
		}
	}
	return report, err
}

// verifyResult is the verify route's response: the report, and the
// logged history when the server keeps one.
type verifyResult struct {
	*cases.VerifyReport
	History []VerificationRecord `json:"history,omitempty"`
}

// VerifyHandler handles requests to GET /cases/:id/verify. The case is
// verified on the spot, which reads every one of its blobs, so the
// route is gated to admins.
func (s *RESTServer) VerifyHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	id := ps.ByName("id")
	report, err := s.runVerify(id)
	if err != nil {
		writeError(w, err)
		return
	}
	result := verifyResult{VerifyReport: report}
	if s.VerifyLog != nil {
		result.History, err = s.VerifyLog.Verifications(id)
		if err != nil {
			log.Println("verify log:", err)
		}
	}
	writeData(w, 200, result)
}
