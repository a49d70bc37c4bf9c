package pkg

import (
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_GetRedisClient(t *testing.T) {
	assert.Equal(t, reflect.TypeOf(NewRedisClient("", "", "")), reflect.TypeOf(GetRedisClient()))
}

func Test_BuildKey(t *testing.T) {
	assert.Equal(t, "gotxn:value:account", BuildValueKey("account"))
	assert.Equal(t, "gotxn:version:account", BuildVersionKey("account"))
	assert.Equal(t, "gotxn:holder:account", BuildHolderKey("account"))
	assert.Equal(t, "gotxn:txStatus:account:7", BuildTXStatusKey("account", 7))
	assert.Equal(t, "gotxn:staged:account:7", BuildStagedKey("account", 7))
	assert.Equal(t, "gotxn:preparedVersion:account:7", BuildPreparedVersionKey("account", 7))
	assert.Equal(t, "gotxn:resourceLock:account", BuildResourceLockKey("account"))
	assert.Equal(t, "gotxn:txRecord:lock", BuildTXRecordLockKey())
}
