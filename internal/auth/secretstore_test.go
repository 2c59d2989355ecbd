package auth

import "testing"

func TestSecretStoreCleartext(t *testing.T) {
	s := NewSecretStore()
	if err := s.AddUser("alice", "hunter2", MethodCleartext); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if !s.VerifyCleartext("alice", "hunter2") {
		t.Fatal("expected correct password to verify")
	}
	if s.VerifyCleartext("alice", "wrong") {
		t.Fatal("expected wrong password to fail")
	}
}

func TestSecretStoreVerifyCleartextWrongMethod(t *testing.T) {
	s := NewSecretStore()
	if err := s.AddUser("alice", "hunter2", MethodMD5); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	if s.VerifyCleartext("alice", "hunter2") {
		t.Fatal("VerifyCleartext should refuse a non-cleartext user")
	}
}

func TestSecretStoreMD5RetainsPlaintext(t *testing.T) {
	s := NewSecretStore()
	if err := s.AddUser("alice", "hunter2", MethodMD5); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	secret, ok := s.Lookup("alice")
	if !ok {
		t.Fatal("expected user to be found")
	}
	if secret.PlainForChallenge != "hunter2" {
		t.Fatalf("PlainForChallenge = %q, want hunter2", secret.PlainForChallenge)
	}
}

func TestSecretStoreSCRAMDerivesSecret(t *testing.T) {
	s := NewSecretStore()
	if err := s.AddUser("alice", "hunter2", MethodSCRAM); err != nil {
		t.Fatalf("AddUser: %v", err)
	}
	secret, ok := s.Lookup("alice")
	if !ok {
		t.Fatal("expected user to be found")
	}
	if len(secret.SCRAM.StoredKey) == 0 || len(secret.SCRAM.ServerKey) == 0 {
		t.Fatal("expected derived SCRAM keys to be populated")
	}
}

func TestSecretStoreLookupMissingUser(t *testing.T) {
	s := NewSecretStore()
	if _, ok := s.Lookup("nobody"); ok {
		t.Fatal("expected lookup of unknown user to fail")
	}
}

func TestSecretStoreRejectsUnknownMethod(t *testing.T) {
	s := NewSecretStore()
	if err := s.AddUser("alice", "hunter2", Method("unknown")); err == nil {
		t.Fatal("expected error for unknown method")
	}
}
