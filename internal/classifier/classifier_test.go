package classifier

import "testing"

func TestClassify_StructuredInfoNeverError(t *testing.T) {
	r := Classify(`[err] level=info something happened`)
	if r.IsError {
		t.Error("expected structured level=info marker to suppress error classification")
	}

	r2 := Classify(`{"level":"debug","msg":"tick"}`)
	if r2.IsError {
		t.Error("expected structured debug level to suppress error classification")
	}
}

func TestClassify_ExplicitErrorMarkers(t *testing.T) {
	r := Classify("[ERROR] database connection lost")
	if !r.IsError || r.Severity != SeverityError {
		t.Errorf("expected error severity, got %+v", r)
	}
}

func TestClassify_FatalBeatsError(t *testing.T) {
	r := Classify("[FATAL] out of memory, [ERROR] also present")
	if r.Severity != SeverityFatal {
		t.Errorf("expected fatal severity, got %v", r.Severity)
	}
}

func TestClassify_HTTP5xxIsError(t *testing.T) {
	r := Classify(`"GET /api/widgets" 503`)
	if !r.IsError || r.Severity != SeverityError {
		t.Errorf("expected error for 5xx, got %+v", r)
	}
	if r.Endpoint != "GET /api/widgets" {
		t.Errorf("expected endpoint extracted, got %q", r.Endpoint)
	}
}

func TestClassify_HTTP4xxIsWarn(t *testing.T) {
	r := Classify(`"POST /api/login" 401`)
	if !r.IsError || r.Severity != SeverityWarn {
		t.Errorf("expected warn for 4xx, got %+v", r)
	}
}

func TestClassify_SIGTERMIsFatal(t *testing.T) {
	r := Classify("worker process terminated by SIGTERM")
	if !r.IsError || r.Severity != SeverityFatal {
		t.Errorf("expected fatal severity for SIGTERM, got %+v", r)
	}
}

func TestClassify_PlainInfoLineIsNotError(t *testing.T) {
	r := Classify("request completed in 12ms")
	if r.IsError {
		t.Errorf("expected non-error line, got %+v", r)
	}
}

func TestClassify_PythonTraceback(t *testing.T) {
	r := Classify("Traceback (most recent call last):")
	if !r.IsError || r.Language != "python" {
		t.Errorf("expected python traceback classified as error, got %+v", r)
	}
}

func TestClassify_GoPanic(t *testing.T) {
	r := Classify("panic: runtime error: index out of range")
	if !r.IsError || r.Language != "go" {
		t.Errorf("expected go panic classified as error, got %+v", r)
	}
}

func TestClassify_InfraErrors(t *testing.T) {
	for _, line := range []string{
		"connect ECONNREFUSED 127.0.0.1:5432",
		"FATAL: too many connections for role \"app\"",
		"NOAUTH Authentication required.",
	} {
		r := Classify(line)
		if !r.IsError {
			t.Errorf("expected infra error line to classify as error: %q", line)
		}
	}
}
