package huddlesync

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

// ============================================================================
// Failure Classification
// ============================================================================

func TestStorageErrMatchesSentinel(t *testing.T) {
	err := storageErr("put record", errors.New("database is locked"))
	if !errors.Is(err, ErrStorageUnavailable) {
		t.Fatalf("storage error does not match sentinel: %v", err)
	}

	var se *StorageError
	if !errors.As(err, &se) {
		t.Fatalf("not a *StorageError: %T", err)
	}
	if se.Op != "put record" {
		t.Fatalf("op lost: %q", se.Op)
	}
	if se.Unwrap() == nil {
		t.Fatal("driver error lost")
	}
}

func TestStorageErrKeepsCancellationIdentity(t *testing.T) {
	// A query aborted by shutdown is not broken storage; degrading on it
	// would throw away a perfectly good database.
	for _, cause := range []error{context.Canceled, context.DeadlineExceeded} {
		err := storageErr("queue", fmt.Errorf("query: %w", cause))
		if !errors.Is(err, cause) {
			t.Fatalf("lost identity of %v: %v", cause, err)
		}
		if errors.Is(err, ErrStorageUnavailable) {
			t.Fatalf("%v misclassified as storage failure", cause)
		}
	}
}

func TestStorageErrNil(t *testing.T) {
	if err := storageErr("noop", nil); err != nil {
		t.Fatalf("wrapping nil produced %v", err)
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		want ErrorClass
	}{
		{400, ClassPermanent},
		{401, ClassAuthExpired},
		{403, ClassPermanent},
		{404, ClassPermanent},
		{408, ClassTransient},
		{409, ClassPermanent},
		{422, ClassPermanent},
		{429, ClassTransient},
		{500, ClassTransient},
		{502, ClassTransient},
		{503, ClassTransient},
	}
	for _, tc := range cases {
		if got := ClassifyStatus(tc.code); got != tc.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestClassifyErr(t *testing.T) {
	// An existing RemoteError passes through untouched.
	orig := &RemoteError{Class: ClassPermanent, StatusCode: 400, Op: "insert posts"}
	if got := classifyErr("update posts", fmt.Errorf("wrapped: %w", orig)); got != orig {
		t.Fatalf("classifyErr rebuilt an already classified error: %+v", got)
	}

	// Anything else is a transient transport failure.
	got := classifyErr("insert posts", errors.New("connection refused"))
	if got.Class != ClassTransient || got.StatusCode != 0 {
		t.Fatalf("transport error misclassified: %+v", got)
	}
	if got.Op != "insert posts" || got.Err == nil {
		t.Fatalf("context lost: %+v", got)
	}
	if !got.Temporary() {
		t.Fatal("transient error reported non-temporary")
	}
}

func TestErrorClassString(t *testing.T) {
	if ClassTransient.String() != "transient" ||
		ClassPermanent.String() != "permanent" ||
		ClassAuthExpired.String() != "auth-expired" {
		t.Fatal("class names changed; dead-letter reasons depend on them")
	}
}

func TestRemoteErrorMessage(t *testing.T) {
	withBody := &RemoteError{Class: ClassPermanent, StatusCode: 400, Op: "insert posts", Code: "validation_failed", Message: "title too long"}
	if msg := withBody.Error(); msg != "insert posts: title too long (status 400)" {
		t.Fatalf("unexpected message: %q", msg)
	}
	bare := &RemoteError{Class: ClassTransient, StatusCode: 503, Op: "update tasks"}
	if msg := bare.Error(); msg != "update tasks: status 503" {
		t.Fatalf("unexpected bare message: %q", msg)
	}
}
