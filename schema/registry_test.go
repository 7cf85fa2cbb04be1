package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blogModels() []*Model {
	author := NewModel("Author",
		Int("id").ID().Generated(),
		String("email").Unique(),
		String("name"),
		ToMany("posts", "Post").OnDelete(Cascade),
	)
	post := NewModel("Post",
		Int("id").ID().Generated(),
		String("title"),
		Bool("published").Default(false),
		ToOne("author", "Author"),
		ToMany("comments", "Comment").OnDelete(Cascade),
	)
	comment := NewModel("Comment",
		Int("id").ID().Generated(),
		String("body"),
		ToOne("post", "Post"),
	)
	return []*Model{author, post, comment}
}

func TestNewRegistry(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(blogModels()...)
	require.NoError(t, err)

	post, ok := reg.Model("Post")
	require.True(t, ok)
	assert.Equal(t, "posts", post.TableName())
	assert.Equal(t, "id", post.ID().Name())

	// The to-one relation synthesizes its foreign key field.
	fk, ok := post.Field("authorId")
	require.True(t, ok)
	assert.True(t, fk.IsImplicit())
	assert.Equal(t, "author_id", fk.ColumnName())
	assert.False(t, fk.IsOptional(), "cascade keeps the key required")

	rel, ok := post.Relation("author")
	require.True(t, ok)
	assert.Equal(t, "authorId", rel.ForeignKeyField())
	assert.Equal(t, "id", rel.ReferencedField())
}

func TestNewRegistryOptionalRelation(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(
		NewModel("Category",
			Int("id").ID().Generated(),
			String("name"),
		),
		NewModel("Item",
			Int("id").ID().Generated(),
			String("sku").Unique(),
			ToOne("category", "Category").Optional().OnDelete(SetNull),
		),
	)
	require.NoError(t, err)
	item, _ := reg.Model("Item")
	fk, ok := item.Field("categoryId")
	require.True(t, ok)
	assert.True(t, fk.IsOptional())
}

func TestNewRegistryErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		models []*Model
		want   string
	}{
		{
			name: "duplicate model",
			models: []*Model{
				NewModel("A", Int("id").ID()),
				NewModel("A", Int("id").ID()),
			},
			want: "duplicate model",
		},
		{
			name: "missing id",
			models: []*Model{
				NewModel("A", String("name")),
			},
			want: "id field",
		},
		{
			name: "unknown relation target",
			models: []*Model{
				NewModel("A", Int("id").ID(), ToOne("b", "B")),
			},
			want: "B",
		},
		{
			name: "duplicate field",
			models: []*Model{
				NewModel("A", Int("id").ID(), String("x"), String("x")),
			},
			want: "duplicate field",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewRegistry(tt.models...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestReferencingRelations(t *testing.T) {
	t.Parallel()
	reg, err := NewRegistry(blogModels()...)
	require.NoError(t, err)

	refs := reg.ReferencingRelations("Author")
	require.Len(t, refs, 1, "both sides of the pair share one foreign key")
	assert.Equal(t, "Post", refs[0].Owner)
	assert.Equal(t, Cascade, refs[0].Relation.DeleteAction())

	refs = reg.ReferencingRelations("Comment")
	assert.Empty(t, refs)
}
