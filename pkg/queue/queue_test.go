package queue

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJobEnvelope(t *testing.T) {
	id := uuid.New()
	job, err := NewJob(JobTypeArchiveResults, ArchivePayload{QuestionID: id})
	require.NoError(t, err)

	assert.Equal(t, JobTypeArchiveResults, job.Type)
	assert.Equal(t, 0, job.Attempt)
	_, err = uuid.Parse(job.ID)
	assert.NoError(t, err)

	var p ArchivePayload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, id, p.QuestionID)
}

func TestNewJobRejectsUnencodable(t *testing.T) {
	_, err := NewJob(JobTypeArchiveResults, make(chan int))
	assert.Error(t, err)
}
