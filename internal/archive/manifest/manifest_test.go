package manifest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsSettingsFile(t *testing.T) {
	assert.True(t, IsSettingsFile("CSV Reader (#1)/settings.xml"))
	assert.True(t, IsSettingsFile("Settings.XML"))
	assert.False(t, IsSettingsFile("workflow.knime"))
	assert.False(t, IsSettingsFile("CSV Reader (#1)/nested_settings.xml"))
}

func TestExtractFromSettings_CapturesKnownKeys(t *testing.T) {
	doc := `<config>
		<entry key="factory" type="xstring" value="org.knime.Factory"/>
		<entry key="node-name" type="xstring" value="CSV Reader"/>
		<entry key="name" type="xstring" value="CSV Reader"/>
		<entry key="other" type="xstring" value="ignored"/>
	</config>`

	entries := ExtractFromSettings("CSV Reader (#1)/settings.xml", strings.NewReader(doc))
	require.Len(t, entries, 4)

	byKey := map[string]Entry{}
	for _, e := range entries {
		if e.Factory != nil {
			byKey["factory"] = e
		}
		if e.NodeName != nil {
			byKey["node-name"] = e
		}
		if e.Name != nil {
			byKey["name"] = e
		}
	}

	require.Contains(t, byKey, "factory")
	assert.Equal(t, "org.knime.Factory", *byKey["factory"].Factory)
	require.Contains(t, byKey, "node-name")
	assert.Equal(t, "CSV Reader", *byKey["node-name"].NodeName)
	require.Contains(t, byKey, "name")
	assert.Equal(t, "CSV Reader", *byKey["name"].Name)

	for _, e := range entries {
		assert.Equal(t, "CSV Reader (#1)/settings.xml", e.Path)
	}
}

func TestExtractFromSettings_NestedEntries(t *testing.T) {
	doc := `<config>
		<config key="model">
			<entry key="factory" value="nested.Factory"/>
		</config>
	</config>`
	entries := ExtractFromSettings("a/settings.xml", strings.NewReader(doc))
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Factory)
	assert.Equal(t, "nested.Factory", *entries[0].Factory)
}

func TestExtractFromSettings_MalformedXMLIsTolerated(t *testing.T) {
	entries := ExtractFromSettings("broken/settings.xml", strings.NewReader("<config><entry"))
	require.Len(t, entries, 1)
	assert.Equal(t, "broken/settings.xml", entries[0].Path)
	assert.Nil(t, entries[0].Factory)
	assert.Nil(t, entries[0].NodeName)
	assert.Nil(t, entries[0].Name)
}

func TestExtractFromSettings_NoEntriesYieldsNilRow(t *testing.T) {
	entries := ExtractFromSettings("empty/settings.xml", strings.NewReader("<config></config>"))
	require.Len(t, entries, 1)
	assert.Equal(t, "empty/settings.xml", entries[0].Path)
	assert.Nil(t, entries[0].Factory)
}

func TestExtractFromSettings_DoesNotExpandExternalEntities(t *testing.T) {
	doc := `<!DOCTYPE config [<!ENTITY xxe SYSTEM "file:///etc/passwd">]>
	<config><entry key="name" value="&xxe;"/></config>`
	entries := ExtractFromSettings("xxe/settings.xml", strings.NewReader(doc))
	require.Len(t, entries, 1)
	if entries[0].Name != nil {
		assert.NotContains(t, *entries[0].Name, "root:")
	}
}
