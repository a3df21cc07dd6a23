package canonjson

import "testing"

func TestCanonicalizeSortsKeys(t *testing.T) {
	in := `{"b":1,"a":2,"c":3}`
	got, err := Canonicalize([]byte(in))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalizeNestedAndArrays(t *testing.T) {
	in := `{"z":[3,1,2],"a":{"y":1,"x":2}}`
	got, err := Canonicalize([]byte(in))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"a":{"x":2,"y":1},"z":[3,1,2]}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalizeStringsNoWhitespace(t *testing.T) {
	in := " { \"a\" : \"hello world\" } "
	got, err := Canonicalize([]byte(in))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"a":"hello world"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalizeIntegerNumbers(t *testing.T) {
	cases := []struct{ in, want string }{
		{`{"n":123}`, `{"n":123}`},
		{`{"n":0}`, `{"n":0}`},
		{`{"n":-5}`, `{"n":-5}`},
		{`{"n":1000000}`, `{"n":1000000}`},
	}
	for _, c := range cases {
		got, err := Canonicalize([]byte(c.in))
		if err != nil {
			t.Fatalf("Canonicalize(%s): %v", c.in, err)
		}
		if string(got) != c.want {
			t.Errorf("Canonicalize(%s) = %s, want %s", c.in, got, c.want)
		}
	}
}

func TestCanonicalizeIdempotent(t *testing.T) {
	in := `{"b":{"y":[1,2,"z"],"x":true},"a":null}`
	first, err := Canonicalize([]byte(in))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	second, err := Canonicalize(first)
	if err != nil {
		t.Fatalf("Canonicalize(first): %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("not idempotent: %s != %s", first, second)
	}
}

func TestMarshalStruct(t *testing.T) {
	type transcript struct {
		SessionID          string `json:"session_id"`
		ListenerFingerprint string `json:"listener_fingerprint"`
		MonitorFingerprint  string `json:"monitor_fingerprint"`
	}
	got, err := Marshal(transcript{
		SessionID:           "S1",
		ListenerFingerprint: "bbb",
		MonitorFingerprint:  "aaa",
	})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"listener_fingerprint":"bbb","monitor_fingerprint":"aaa","session_id":"S1"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalizeEscapesControlChars(t *testing.T) {
	in := "{\"a\":\"x\\ty\"}"
	got, err := Canonicalize([]byte(in))
	if err != nil {
		t.Fatalf("Canonicalize: %v", err)
	}
	want := `{"a":"x\ty"}`
	if string(got) != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestCanonicalizeRejectsTrailingData(t *testing.T) {
	_, err := Canonicalize([]byte(`{"a":1} {"b":2}`))
	if err == nil {
		t.Fatal("expected error for trailing data")
	}
}
