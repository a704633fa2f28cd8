package session

import "testing"

func TestStaysInWorkingDir(t *testing.T) {
	cases := []struct {
		command string
		want    bool
	}{
		{"ls -la", true},
		{"go test ./...", true},
		{"rm -rf build", true},
		{"grep -r TODO src | wc -l", true},
		{"make build && make test", true},

		{"cat /etc/passwd", false},
		{"rm -rf /", false},
		{"ls ~", false},
		{"cp x ~/backup", false},
		{"cd .. && rm -rf .", false},
		{"cat ../secrets.env", false},
		{"PATH=/tmp/bin ls", false},
		{"echo `cat /etc/shadow`", false},
		{"echo $(whoami)", false},
		{"ls\nrm -rf /", false},
	}
	for _, tc := range cases {
		if got := staysInWorkingDir(tc.command); got != tc.want {
			t.Errorf("staysInWorkingDir(%q) = %v, want %v", tc.command, got, tc.want)
		}
	}
}
