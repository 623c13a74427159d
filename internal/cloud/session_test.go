package cloud

import (
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/config"
)

func TestNewSession_StaticCredentials(t *testing.T) {
	sess, err := NewSession(config.AWSConfig{
		AccessKey: "AKID",
		SecretKey: "SECRET",
		Region:    "us-west-2",
		Endpoint:  "http://localhost:4566",
	})
	require.NoError(t, err)

	creds, err := sess.Config.Credentials.Get()
	require.NoError(t, err)
	assert.Equal(t, "AKID", creds.AccessKeyID)
	assert.Equal(t, "SECRET", creds.SecretAccessKey)
	assert.Equal(t, "us-west-2", aws.StringValue(sess.Config.Region))
	assert.Equal(t, "http://localhost:4566", aws.StringValue(sess.Config.Endpoint))
	assert.True(t, aws.BoolValue(sess.Config.S3ForcePathStyle))
}

func TestNewSession_NoEndpoint(t *testing.T) {
	sess, err := NewSession(config.AWSConfig{Region: "eu-west-1"})
	require.NoError(t, err)
	assert.Nil(t, sess.Config.Endpoint)
	assert.Equal(t, "eu-west-1", aws.StringValue(sess.Config.Region))
}
