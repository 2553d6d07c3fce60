package domain

import "testing"

func TestDatasetName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"sales.csv", "sales"},
		{"q1.sales.csv", "q1.sales"},
		{"noext", "noext"},
		{"dir.v2/file", "dir.v2/file"},
	}
	for _, tt := range tests {
		got := DataSource{Filename: tt.filename}.DatasetName()
		if got != tt.want {
			t.Errorf("DatasetName(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}

func TestDownloadRecordReusable(t *testing.T) {
	var nilRec *DownloadRecord
	if nilRec.Reusable() {
		t.Fatal("nil record must not be reusable")
	}
	if (&DownloadRecord{Status: DownloadFailed, FilePath: "/x"}).Reusable() {
		t.Fatal("failed record must not be reusable")
	}
	if !(&DownloadRecord{Status: DownloadSuccess, FilePath: "/x"}).Reusable() {
		t.Fatal("success record should be reusable")
	}
}
