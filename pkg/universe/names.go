package universe

import (
	"go/types"
	"strings"

	"github.com/puzpuzpuz/xsync/v4"
)

// NameCache caches fully-qualified symbol names. Registry lookups and report
// rendering hit the same types.Type values over and over, and recomputing
// generic instantiation names is the expensive part.
type NameCache struct {
	objCache  *xsync.Map[types.Object, string]
	typeCache *xsync.Map[types.Type, string]
}

func NewNameCache() *NameCache {
	return &NameCache{
		objCache:  xsync.NewMap[types.Object, string](),
		typeCache: xsync.NewMap[types.Type, string](),
	}
}

// ComputeObjectName generates a canonical name for an Object.
// For functions, returns packagePath.objName() or packagePath.objName[T] for generics.
// For methods, includes receiver type information (e.g., "packagePath.Dialer[T].Close" or "packagePath.Conn.Read").
func (c *NameCache) ComputeObjectName(obj types.Object) string {
	if obj == nil {
		return ""
	}
	name, ok := c.objCache.Load(obj)
	if ok {
		return name
	}
	name = c.computeObjectName(obj)
	c.objCache.Store(obj, name)
	return name
}

// ComputeTypeName generates a canonical name for a types.Type.
// For named types, returns packagePath.TypeName[TypeParams] (if generic)
// For pointer types, returns packagePath.*TypeName.
// For other types, returns the string representation with package path when available.
func (c *NameCache) ComputeTypeName(typ types.Type) string {
	if typ == nil {
		return ""
	}
	name, ok := c.typeCache.Load(typ)
	if ok {
		return name
	}
	name = c.computeTypeName(typ)
	c.typeCache.Store(typ, name)
	return name
}

func (c *NameCache) computeObjectName(obj types.Object) string {
	baseName := obj.Name()

	var packagePath string
	if pkg := obj.Pkg(); pkg != nil {
		packagePath = pkg.Path()
	}

	var builder strings.Builder
	builder.Grow(128)

	if packagePath != "" {
		builder.WriteString(packagePath)
		builder.WriteByte('.')
	}

	// For methods, include receiver type information.
	if fn, ok := obj.(*types.Func); ok {
		fnType := fn.Type()
		if fnType == nil {
			builder.WriteString(baseName)
			return builder.String()
		}
		sig, ok := fnType.(*types.Signature)
		if !ok {
			builder.WriteString(baseName)
			return builder.String()
		}
		if recv := sig.Recv(); recv != nil {
			recvType := recv.Type()
			isPointer := false
			if ptr, ok := recvType.(*types.Pointer); ok {
				recvType = ptr.Elem()
				isPointer = true
			}

			recvTypeName := getGenericTypeName(recvType)

			// Drop the package path, the builder already wrote it.
			if strings.Contains(recvTypeName, ".") {
				typeParts := strings.Split(recvTypeName, ".")
				recvTypeName = typeParts[len(typeParts)-1]
			}

			if isPointer {
				builder.WriteByte('*')
			}
			builder.WriteString(recvTypeName)
			builder.WriteByte('.')
			builder.WriteString(baseName)
			return builder.String()
		}

		// Generic functions (not methods) keep their type parameter list.
		if sig.TypeParams() != nil && sig.TypeParams().Len() > 0 {
			builder.WriteString(baseName)
			formatTypeParamsToBuilder(&builder, sig.TypeParams())
			return builder.String()
		}
	}

	builder.WriteString(baseName)
	return builder.String()
}

func (c *NameCache) computeTypeName(typ types.Type) string {
	if ptr, ok := typ.(*types.Pointer); ok {
		elemName := c.ComputeTypeName(ptr.Elem())
		if elemName == "" {
			return ""
		}
		var builder strings.Builder
		builder.Grow(len(elemName) + 1)
		builder.WriteByte('*')
		builder.WriteString(elemName)
		return builder.String()
	}

	if named, ok := typ.(*types.Named); ok {
		obj := named.Obj()
		if obj == nil {
			return typ.String()
		}

		var builder strings.Builder
		builder.Grow(128)

		if pkg := obj.Pkg(); pkg != nil {
			builder.WriteString(pkg.Path())
			builder.WriteByte('.')
		}

		builder.WriteString(getGenericTypeName(typ))
		return builder.String()
	}

	// Basic types, slices, maps, funcs and the like carry no package
	// information; the string form is already canonical.
	return typ.String()
}

// getGenericTypeName extracts the type name, preserving generic template syntax
// For generic types, returns the template form (e.g., "Buffer[T]")
// For non-generic types, returns the type string as-is.
func getGenericTypeName(typ types.Type) string {
	if named, ok := typ.(*types.Named); ok {
		typeName := named.Obj().Name()

		// Instantiations take precedence over the template's parameters.
		if named.TypeArgs() != nil && named.TypeArgs().Len() > 0 {
			return typeName + formatTypeArgs(named.TypeArgs())
		}

		if named.TypeParams() != nil && named.TypeParams().Len() > 0 {
			return typeName + formatTypeParams(named.TypeParams())
		}

		return typeName
	}

	return typ.String()
}

// formatTypeParams formats a type parameter list into "[T, U, ...]" format
func formatTypeParams(typeParams *types.TypeParamList) string {
	if typeParams == nil || typeParams.Len() == 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(32)
	formatTypeParamsToBuilder(&builder, typeParams)
	return builder.String()
}

// formatTypeParamsToBuilder writes type parameters to an existing builder
func formatTypeParamsToBuilder(builder *strings.Builder, typeParams *types.TypeParamList) {
	if typeParams == nil || typeParams.Len() == 0 {
		return
	}
	builder.WriteByte('[')
	for i := range typeParams.Len() {
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString(typeParams.At(i).Obj().Name())
	}
	builder.WriteByte(']')
}

// formatTypeArgs formats a type argument list into "[T, string, ...]" format
func formatTypeArgs(typeArgs *types.TypeList) string {
	if typeArgs == nil || typeArgs.Len() == 0 {
		return ""
	}
	var builder strings.Builder
	builder.Grow(32)
	builder.WriteByte('[')
	for i := range typeArgs.Len() {
		if i > 0 {
			builder.WriteString(", ")
		}
		builder.WriteString(typeArgs.At(i).String())
	}
	builder.WriteByte(']')
	return builder.String()
}
