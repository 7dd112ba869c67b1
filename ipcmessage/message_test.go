package ipcmessage

import "testing"

type pingRequest struct {
	Named
	X int32 `json:"x"`
}

type shmResponse struct {
	Named
	Fd   int32 `json:"fd" rialtoipc:"fd"`
	Size int32 `json:"size"`
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	req := &pingRequest{Named: Named{"svc.PingRequest"}, X: 7}

	body, err := Marshal(req)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var got pingRequest
	if err := Unmarshal(body, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.X != 7 {
		t.Fatalf("X = %d, want 7", got.X)
	}
}

func TestFdFieldsFindsTaggedPresentField(t *testing.T) {
	resp := &shmResponse{Fd: 42, Size: 3}

	refs, err := FdFields(resp)
	if err != nil {
		t.Fatalf("FdFields: %v", err)
	}
	if len(refs) != 1 {
		t.Fatalf("len(refs) = %d, want 1", len(refs))
	}
	if !refs[0].Present {
		t.Fatalf("expected Fd field to be present (non-zero)")
	}
	if refs[0].Get() != 42 {
		t.Fatalf("Get() = %d, want 42", refs[0].Get())
	}
}

func TestFdFieldsSetRewritesUnderlyingStruct(t *testing.T) {
	resp := &shmResponse{Fd: 42, Size: 3}

	refs, err := FdFields(resp)
	if err != nil {
		t.Fatalf("FdFields: %v", err)
	}
	refs[0].Set(7)

	if resp.Fd != 7 {
		t.Fatalf("resp.Fd = %d, want 7 after Set", resp.Fd)
	}
}

func TestFdFieldsAbsentFieldIsNotPresent(t *testing.T) {
	resp := &shmResponse{Fd: 0, Size: 3}

	refs, err := FdFields(resp)
	if err != nil {
		t.Fatalf("FdFields: %v", err)
	}
	if refs[0].Present {
		t.Fatalf("expected zero-valued fd field to be reported not-present")
	}
}

func TestFdFieldsRejectsNonPointer(t *testing.T) {
	resp := shmResponse{}
	if _, err := FdFields(resp); err == nil {
		t.Fatalf("expected error for non-pointer message")
	}
}

func TestFdFieldsNoTaggedFields(t *testing.T) {
	req := &pingRequest{X: 1}
	refs, err := FdFields(req)
	if err != nil {
		t.Fatalf("FdFields: %v", err)
	}
	if len(refs) != 0 {
		t.Fatalf("len(refs) = %d, want 0", len(refs))
	}
}
