package bundle

import (
	"errors"
	"testing"
	"time"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    ContentUnitKind
		wantErr bool
	}{
		{in: "lesson", want: KindLesson},
		{in: "section", want: KindSection},
		{in: "LESSON", want: KindLesson},
		{in: " section ", want: KindSection},
		{in: "course", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseKind(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrValidation) {
					t.Fatalf("err = %v, want ErrValidation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseKind(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Fatalf("ParseKind(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestContentUnitRef_Validate(t *testing.T) {
	if err := (ContentUnitRef{ID: "u1", Kind: KindLesson}).Validate(); err != nil {
		t.Fatalf("valid ref: %v", err)
	}
	if err := (ContentUnitRef{Kind: KindLesson}).Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty id: err = %v, want ErrValidation", err)
	}
	if err := (ContentUnitRef{ID: "u1", Kind: "module"}).Validate(); !errors.Is(err, ErrValidation) {
		t.Fatalf("bad kind: err = %v, want ErrValidation", err)
	}
}

func validBundle() *Bundle {
	return &Bundle{
		ID:          "b1",
		ContentUnit: ContentUnitRef{ID: "u1", Kind: KindSection},
		Version:     1,
		Entrypoint:  DefaultEntrypoint,
		StoragePath: "sections/u1/v1",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestBundle_Validate(t *testing.T) {
	if err := validBundle().Validate(); err != nil {
		t.Fatalf("valid bundle: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Bundle)
	}{
		{"zero version", func(b *Bundle) { b.Version = 0 }},
		{"negative version", func(b *Bundle) { b.Version = -3 }},
		{"empty storage path", func(b *Bundle) { b.StoragePath = "" }},
		{"empty entrypoint", func(b *Bundle) { b.Entrypoint = "" }},
		{"bad unit", func(b *Bundle) { b.ContentUnit.ID = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := validBundle()
			tt.mutate(b)
			if err := b.Validate(); !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
}

func TestStoragePathFor(t *testing.T) {
	unit := ContentUnitRef{ID: "unit-9", Kind: KindLesson}
	if got := StoragePathFor(unit, 3); got != "lessons/unit-9/v3" {
		t.Fatalf("path = %q, want lessons/unit-9/v3", got)
	}
	unit.Kind = KindSection
	if got := StoragePathFor(unit, 12); got != "sections/unit-9/v12" {
		t.Fatalf("path = %q, want sections/unit-9/v12", got)
	}
}
