package companion

import "testing"

func TestNameExtractor(t *testing.T) {
	en := NewNameExtractor(English().NameMarkers...)
	zh := NewNameExtractor(Chinese().NameMarkers...)

	cases := []struct {
		ex     NameExtractor
		in     string
		want   string
		wantOK bool
	}{
		{en, "My name is Alex", "Alex", true},
		{en, "hi, my name is Jo and I'm tired", "Jo", true},
		{en, "I'm called   Sam\tthanks", "Sam", true},
		{en, "My name is Alex.", "Alex.", true},
		{en, "MY NAME IS Alex", "", false},
		{en, "my name is", "", false},
		{en, "call me Al", "", false},
		{zh, "我叫小明", "小明", true},
		{zh, "你好，我叫 李雷 很高兴认识你", "李雷", true},
		{zh, "我的名字是王芳", "王芳", true},
		{zh, "我叫", "", false},
		{zh, "叫我小明", "", false},
	}
	for _, tc := range cases {
		got, ok := tc.ex.Extract(tc.in)
		if got != tc.want || ok != tc.wantOK {
			t.Fatalf("Extract(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.wantOK)
		}
	}
}

func TestNameExtractorMarkerOrder(t *testing.T) {
	ex := NewNameExtractor("", "名字是", "我叫")
	if got := ex.Markers(); len(got) != 2 || got[0] != "名字是" {
		t.Fatalf("Markers() = %v", got)
	}
	got, ok := ex.Extract("我叫小明，名字是小明明")
	if !ok || got != "小明明" {
		t.Fatalf("Extract() = %q, %v; want first configured marker to win", got, ok)
	}
}
