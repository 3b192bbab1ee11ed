package server

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"

	// no _ in import mysql since we need mysql.NullTime
	"github.com/BurntSushi/migration"
	"github.com/go-sql-driver/mysql"

	"github.com/radarchive/teachcase/cases"
)

// This file implements the case document store and the verification log
// using MySQL as the backing database.

type MysqlStore struct {
	db *sql.DB
}

var _ cases.MetadataStore = &MysqlStore{}
var _ VerifyLog = &MysqlStore{}

// List of migrations to perform. Add new ones to the end.
// DO NOT change the order of items already in this list.
var mysqlMigrations = []migration.Migrator{
	mysqlschema1,
}

// Adapt the schema versioning for MySQL

var mysqlVersioning = dbVersion{
	GetSQL:    `SELECT max(version) FROM migration_version`,
	SetSQL:    `INSERT INTO migration_version (version, applied) VALUES (?, now())`,
	CreateSQL: `CREATE TABLE migration_version (version INTEGER, applied datetime)`,
}

// NewMysqlStore connects to a MySQL database and returns a store
// satisfying both the cases.MetadataStore and VerifyLog interfaces.
func NewMysqlStore(dial string) (*MysqlStore, error) {
	db, err := migration.OpenWith(
		"mysql",
		dial,
		mysqlMigrations,
		mysqlVersioning.Get,
		mysqlVersioning.Set)
	if err != nil {
		log.Printf("Open Mysql: %s", err.Error())
		return nil, err
	}
	return &MysqlStore{db: db}, nil
}

func (ms *MysqlStore) GetCase(id string) (*cases.Case, error) {
	const dbLookup = `SELECT value FROM cases WHERE caseid = ? LIMIT 1`

	var value string
	err := ms.db.QueryRow(dbLookup, id).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, cases.ErrNotFound
	}
	if err != nil {
		// some kind of error...pass it up
		log.Printf("Case Mysql: %s", err.Error())
		return nil, err
	}
	// unserialize the json string
	var c = new(cases.Case)
	err = json.Unmarshal([]byte(value), c)
	if err != nil {
		log.Printf("Case Mysql: error in lookup: %s", err.Error())
		return nil, err
	}
	return c, nil
}

func (ms *MysqlStore) PutCase(c *cases.Case) error {
	value, err := json.Marshal(c)
	if err != nil {
		return err
	}
	nimages := len(c.ImageIDs)
	modified := time.Now()
	stmt := `INSERT INTO cases (caseid, created, modified, nimages, value) VALUES (?, ?, ?, ?, ?) ON DUPLICATE KEY UPDATE modified=?, nimages=?, value=?`

	_, err = ms.db.Exec(stmt, c.ID, c.CreatedAt, modified, nimages, value,
		modified, nimages, value)
	if err != nil {
		log.Printf("Case Mysql: %s", err.Error())
	}
	return err
}

func (ms *MysqlStore) AllCases() ([]*cases.Case, error) {
	const query = `SELECT value FROM cases`

	rows, err := ms.db.Query(query)
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

func (ms *MysqlStore) AppendVerification(rec VerificationRecord) error {
	const query = `INSERT INTO verifications (caseid, verified, status, notes) VALUES (?,?,?,?)`

	_, err := ms.db.Exec(query, rec.CaseID, rec.When, rec.Status, rec.Notes)
	return err
}

func (ms *MysqlStore) Verifications(caseID string) ([]VerificationRecord, error) {
	const query = `
		SELECT verified, status, notes
		FROM verifications
		WHERE caseid = ?
		ORDER BY verified DESC`

	rows, err := ms.db.Query(query, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []VerificationRecord
	for rows.Next() {
		rec := VerificationRecord{CaseID: caseID}
		var when mysql.NullTime
		err = rows.Scan(&when, &rec.Status, &rec.Notes)
		if err != nil {
			return nil, err
		}
		if when.Valid {
			rec.When = when.Time
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// database migrations. each one is a go function. Add them to the
// list mysqlMigrations at top of this file for them to be run.

func mysqlschema1(tx migration.LimitedTx) error {
	var s = []string{
		`CREATE TABLE IF NOT EXISTS cases (
		id int PRIMARY KEY AUTO_INCREMENT,
		caseid varchar(255),
		created datetime,
		modified datetime,
		nimages int,
		value longtext,
		UNIQUE INDEX cases_caseid (caseid))`,

		`CREATE TABLE IF NOT EXISTS verifications (
		id int PRIMARY KEY AUTO_INCREMENT,
		caseid varchar(255),
		verified datetime,
		status varchar(32),
		notes text,
		INDEX verifications_caseid (caseid))`,
	}
	return execlist(tx, s)
}

// execlist exec's each item in the list, return if there is an error.
// Used to work around mysql driver not handling compound exec statements.
func execlist(tx migration.LimitedTx, stms []string) error {
	var err error
	for _, s := range stms {
		_, err = tx.Exec(s)
		if err != nil {
			break
		}
	}
	return err
}
