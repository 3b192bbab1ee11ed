package server

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"

	_ "github.com/cznic/ql/driver"

	"github.com/radarchive/teachcase/cases"
)

// This file implements the case document store and the verification log
// over the QL embedded database. It is meant for development and small
// single-node installs; use MySQL for anything shared.

type QlStore struct {
	db *sql.DB
}

var _ cases.MetadataStore = &QlStore{}
var _ VerifyLog = &QlStore{}

// The document is stored as JSON in the value column. The other columns
// exist so an operator can poke at the table without decoding anything.
const qlCaseInit = `
	CREATE TABLE IF NOT EXISTS cases (
		id string,
		created time,
		modified time,
		nimages int,
		value blob
	);
	CREATE INDEX IF NOT EXISTS caseid ON cases (id);
	CREATE INDEX IF NOT EXISTS casecreated ON cases (created);
`

const qlVerifyInit = `
	CREATE TABLE IF NOT EXISTS verifications (
		caseid string,
		verified time,
		status string,
		notes string
	);
	CREATE INDEX IF NOT EXISTS verifycaseid ON verifications (caseid);
	CREATE INDEX IF NOT EXISTS verifytime ON verifications (verified);
`

// NewQlStore makes a QL database store. filename is the name of the file
// to save the database to. The filename "memory" means to keep everything
// in memory.
func NewQlStore(filename string) (*QlStore, error) {
	var db *sql.DB
	var err error
	if filename == "memory" {
		db, err = sql.Open("ql-mem", "mem.db")
	} else {
		db, err = sql.Open("ql", filename)
	}
	if err == nil {
		_, err = performExec(db, qlCaseInit)
	}
	if err == nil {
		_, err = performExec(db, qlVerifyInit)
	}
	if err != nil {
		log.Printf("Open QL: %s", err.Error())
		return nil, err
	}
	return &QlStore{db: db}, nil
}

func (qs *QlStore) GetCase(id string) (*cases.Case, error) {
	const dbLookup = `SELECT value FROM cases WHERE id == ?1 LIMIT 1`

	var value string
	err := qs.db.QueryRow(dbLookup, id).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, cases.ErrNotFound
	}
	if err != nil {
		log.Printf("Case QL: %s", err.Error())
		return nil, err
	}
	var c = new(cases.Case)
	err = json.Unmarshal([]byte(value), c)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (qs *QlStore) PutCase(c *cases.Case) error {
	const dbUpdate = `UPDATE cases SET modified = ?2, nimages = ?3, value = ?4 WHERE id == ?1`
	const dbInsert = `INSERT INTO cases VALUES (?1, ?5, ?2, ?3, ?4)`

	value, err := json.Marshal(c)
	if err != nil {
		return err
	}
	nimages := len(c.ImageIDs)
	result, err := performExec(qs.db, dbUpdate, c.ID, time.Now(), nimages, value)
	if err != nil {
		return err
	}
	nrows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if nrows == 0 {
		// record didn't exist. create it
		_, err = performExec(qs.db, dbInsert, c.ID, time.Now(), nimages, value, c.CreatedAt)
	}
	return err
}

func (qs *QlStore) AllCases() ([]*cases.Case, error) {
	const query = `SELECT value FROM cases`

	rows, err := qs.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []*cases.Case
	for rows.Next() {
		var value string
		err = rows.Scan(&value)
		if err != nil {
			return nil, err
		}
		c := new(cases.Case)
		err = json.Unmarshal([]byte(value), c)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

func (qs *QlStore) AppendVerification(rec VerificationRecord) error {
	const query = `INSERT INTO verifications VALUES (?1, ?2, ?3, ?4)`

	_, err := performExec(qs.db, query, rec.CaseID, rec.When, rec.Status, rec.Notes)
	return err
}

func (qs *QlStore) Verifications(caseID string) ([]VerificationRecord, error) {
	const query = `
		SELECT verified, status, notes
		FROM verifications
		WHERE caseid == ?1
		ORDER BY verified DESC`

	rows, err := qs.db.Query(query, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []VerificationRecord
	for rows.Next() {
		rec := VerificationRecord{CaseID: caseID}
		err = rows.Scan(&rec.When, &rec.Status, &rec.Notes)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// performExec wraps an exec in a transaction, which QL requires.
func performExec(db *sql.DB, query string, args ...interface{}) (sql.Result, error) {
	tx, err := db.Begin()
	if err != nil {
		return nil, err
	}
	var result sql.Result
	result, err = tx.Exec(query, args...)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	err = tx.Commit()
	return result, err
}
