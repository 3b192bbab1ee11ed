package server

import (
	"encoding/json"
	"log"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"

	"github.com/radarchive/teachcase/cases"
)

// This file implements the case document store over a DynamoDB table,
// one item per case keyed by the case id. There is no verification log;
// servers using DynamoDB keep sweep outcomes only in the process log.

type DynamoStore struct {
	svc   *dynamodb.DynamoDB
	table string
}

var _ cases.MetadataStore = &DynamoStore{}

// dynamoRecord is the shape of one table item. The document itself is a
// single JSON string, the same way the SQL stores keep their value
// column, so the table never needs a schema change when the document
// grows a field.
type dynamoRecord struct {
	CaseID  string `dynamodbav:"case_id"`
	Created string `dynamodbav:"created"`
	NImages int    `dynamodbav:"nimages"`
	Value   string `dynamodbav:"value"`
}

// NewDynamoStore returns a metadata store over the named DynamoDB table,
// creating the table on first use and waiting until it is ready. The
// session's credentials and region are used for all accesses; passing a
// nil session uses the usual AWS environment.
func NewDynamoStore(table string, awsSession *session.Session) (*DynamoStore, error) {
	if awsSession == nil {
		awsSession = session.New()
	}
	d := &DynamoStore{
		svc:   dynamodb.New(awsSession),
		table: table,
	}
	err := d.ensureTable()
	if err != nil {
		log.Printf("Open DynamoDB: %s", err.Error())
		return nil, err
	}
	return d, nil
}

// ensureTable creates the backing table if it is missing. New tables are
// on-demand billing with the case id as the only key.
func (d *DynamoStore) ensureTable() error {
	_, err := d.svc.DescribeTable(&dynamodb.DescribeTableInput{
		TableName: aws.String(d.table),
	})
	if err == nil {
		return nil
	}
	aerr, ok := err.(awserr.Error)
	if !ok || aerr.Code() != dynamodb.ErrCodeResourceNotFoundException {
		return err
	}
	log.Println("Creating DynamoDB table", d.table)
	_, err = d.svc.CreateTable(&dynamodb.CreateTableInput{
		TableName:   aws.String(d.table),
		BillingMode: aws.String(dynamodb.BillingModePayPerRequest),
		AttributeDefinitions: []*dynamodb.AttributeDefinition{{
			AttributeName: aws.String("case_id"),
			AttributeType: aws.String(dynamodb.ScalarAttributeTypeS),
		}},
		KeySchema: []*dynamodb.KeySchemaElement{{
			AttributeName: aws.String("case_id"),
			KeyType:       aws.String(dynamodb.KeyTypeHash),
		}},
	})
	if err != nil {
		return err
	}
	return d.svc.WaitUntilTableExists(&dynamodb.DescribeTableInput{
		TableName: aws.String(d.table),
	})
}

func (d *DynamoStore) GetCase(id string) (*cases.Case, error) {
	out, err := d.svc.GetItem(&dynamodb.GetItemInput{
		TableName: aws.String(d.table),
		Key: map[string]*dynamodb.AttributeValue{
			"case_id": {S: aws.String(id)},
		},
	})
	if err != nil {
		log.Printf("Case DynamoDB: %s", err.Error())
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, cases.ErrNotFound
	}
	var rec dynamoRecord
	err = dynamodbattribute.UnmarshalMap(out.Item, &rec)
	if err != nil {
		return nil, err
	}
	c := new(cases.Case)
	err = json.Unmarshal([]byte(rec.Value), c)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *DynamoStore) PutCase(c *cases.Case) error {
	value, err := json.Marshal(c)
	if err != nil {
		return err
	}
	item, err := dynamodbattribute.MarshalMap(dynamoRecord{
		CaseID:  c.ID,
		Created: c.CreatedAt.Format(time.RFC3339),
		NImages: len(c.ImageIDs),
		Value:   string(value),
	})
	if err != nil {
		return err
	}
	_, err = d.svc.PutItem(&dynamodb.PutItemInput{
		TableName: aws.String(d.table),
		Item:      item,
	})
	if err != nil {
		log.Printf("Case DynamoDB: %s", err.Error())
	}
	return err
}

func (d *DynamoStore) AllCases() ([]*cases.Case, error) {
	var result []*cases.Case
	var perr error
	err := d.svc.ScanPages(&dynamodb.ScanInput{
		TableName: aws.String(d.table),
	}, func(page *dynamodb.ScanOutput, lastpage bool) bool {
		for _, item := range page.Items {
			var rec dynamoRecord
			perr = dynamodbattribute.UnmarshalMap(item, &rec)
			if perr != nil {
				return false
			}
			c := new(cases.Case)
			perr = json.Unmarshal([]byte(rec.Value), c)
			if perr != nil {
				return false
			}
			result = append(result, c)
		}
		return !lastpage
	})
	if err == nil {
		err = perr
	}
	if err != nil {
		log.Printf("Case DynamoDB: %s", err.Error())
		return nil, err
	}
	return result, nil
}
