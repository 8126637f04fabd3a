package artifacts

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakePresigner struct {
	lastInput *s3.PutObjectInput
	err       error
}

func (f *fakePresigner) PresignPutObject(_ context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	f.lastInput = params
	if f.err != nil {
		return nil, f.err
	}
	opts := &s3.PresignOptions{}
	for _, fn := range optFns {
		fn(opts)
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://store.example/%s/%s?X-Amz-Expires=%d", *params.Bucket, *params.Key, int(opts.Expires.Seconds())),
		Method: http.MethodPut,
		SignedHeader: http.Header{
			"Host": []string{"store.example"},
		},
	}, nil
}

func TestPresignUploadScopesKey(t *testing.T) {
	fake := &fakePresigner{}
	svc := NewWithPresigner(fake, "taskwire-artifacts", zap.NewNop())

	in := PresignInput{
		OwnerID:     uuid.New(),
		TaskID:      uuid.New(),
		Filename:    "report.png",
		ContentType: "image/png",
	}
	up, err := svc.PresignUpload(context.Background(), in)
	require.NoError(t, err)

	prefix := fmt.Sprintf("artifacts/%s/%s/", in.OwnerID, in.TaskID)
	assert.True(t, strings.HasPrefix(up.Key, prefix), "key %q not scoped", up.Key)
	assert.True(t, strings.HasSuffix(up.Key, "-report.png"))

	require.NotNil(t, fake.lastInput)
	assert.Equal(t, "taskwire-artifacts", *fake.lastInput.Bucket)
	assert.Equal(t, up.Key, *fake.lastInput.Key)
	require.NotNil(t, fake.lastInput.ContentType)
	assert.Equal(t, "image/png", *fake.lastInput.ContentType)

	assert.Equal(t, http.MethodPut, up.Method)
	assert.Contains(t, up.URL, up.Key)
	assert.Equal(t, "store.example", up.Headers["Host"])
	assert.WithinDuration(t, time.Now().Add(urlTTL), up.ExpiresAt, 5*time.Second)
}

func TestPresignUploadDistinctKeysPerCall(t *testing.T) {
	fake := &fakePresigner{}
	svc := NewWithPresigner(fake, "b", zap.NewNop())

	in := PresignInput{OwnerID: uuid.New(), TaskID: uuid.New(), Filename: "shot.png"}
	first, err := svc.PresignUpload(context.Background(), in)
	require.NoError(t, err)
	second, err := svc.PresignUpload(context.Background(), in)
	require.NoError(t, err)

	assert.NotEqual(t, first.Key, second.Key)
}

func TestPresignUploadSanitizesFilename(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		suffix   string
	}{
		{"path traversal", "../../etc/passwd", "-passwd"},
		{"windows separators", `C:\secrets\dump.txt`, "-dump.txt"},
		{"empty", "", "-artifact"},
		{"bare slash", "/", "-artifact"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fake := &fakePresigner{}
			svc := NewWithPresigner(fake, "b", zap.NewNop())

			up, err := svc.PresignUpload(context.Background(), PresignInput{
				OwnerID: uuid.New(), TaskID: uuid.New(), Filename: tc.filename,
			})
			require.NoError(t, err)
			assert.True(t, strings.HasSuffix(up.Key, tc.suffix), "key %q", up.Key)
			assert.NotContains(t, up.Key, "..")
		})
	}
}

func TestPresignUploadPropagatesError(t *testing.T) {
	fake := &fakePresigner{err: errors.New("spilled")}
	svc := NewWithPresigner(fake, "b", zap.NewNop())

	_, err := svc.PresignUpload(context.Background(), PresignInput{
		OwnerID: uuid.New(), TaskID: uuid.New(), Filename: "x",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "presign put")
}

func TestNewRequiresConfiguration(t *testing.T) {
	_, err := New(context.Background(), Config{}, zap.NewNop())
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = New(context.Background(), Config{Bucket: "b"}, zap.NewNop())
	assert.ErrorIs(t, err, ErrNotConfigured)
}
