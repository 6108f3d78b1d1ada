package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidPackageName(t *testing.T) {
	tests := []struct {
		name string
		ok   bool
	}{
		{"acme/widgets", true},
		{"acme/widget-kit", true},
		{"acme/widget_kit", true},
		{"acme/widget.kit", true},
		{"Acme/Widgets", true}, // checked case-insensitively
		{"widgets", false},     // no vendor half
		{"acme/", false},
		{"/widgets", false},
		{"acme/widgets/extra", false},
		{"acme/-widgets", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, ValidPackageName(tt.name))
		})
	}
}

func TestPackage_IsSubPackage(t *testing.T) {
	pkg := &Package{ID: 1, Name: "acme/widgets"}
	assert.False(t, pkg.IsSubPackage())

	parent := int64(2)
	pkg.ParentID = &parent
	assert.True(t, pkg.IsSubPackage())
}

func TestPackage_Vendor(t *testing.T) {
	assert.Equal(t, "acme", (&Package{Name: "acme/widgets"}).Vendor())
	assert.Equal(t, "widgets", (&Package{Name: "widgets"}).Vendor())
}

func TestCreatePackageRequest_Validate(t *testing.T) {
	req := &CreatePackageRequest{Name: "acme/widgets", Repository: "https://github.com/acme/widgets.git"}
	assert.NoError(t, req.Validate())

	assert.Error(t, (&CreatePackageRequest{Repository: "https://example.com/x.git"}).Validate())
	assert.Error(t, (&CreatePackageRequest{Name: "Not A Name", Repository: "https://example.com/x.git"}).Validate())
	assert.Error(t, (&CreatePackageRequest{Name: "acme/widgets"}).Validate())
}
